package chathub

import (
	"encoding/json"

	busv1 "github.com/mux-run/mux/internal/events/bus"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// encodeChatEvent round-trips a ChatEvent through JSON into the
// map[string]interface{} shape bus.Event.Data carries, since the bus is
// transport-agnostic and doesn't know about chat-specific types.
func encodeChatEvent(event v1.ChatEvent) (map[string]interface{}, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func decodeChatEvent(e *busv1.Event) (v1.ChatEvent, bool) {
	var event v1.ChatEvent
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return event, false
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return event, false
	}
	return event, true
}
