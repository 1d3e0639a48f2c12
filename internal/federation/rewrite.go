package federation

import (
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// maxRewriteDepth bounds the recursive walk over response/event payloads so
// a pathological or cyclic structure can't spin the proxy forever. Deep
// enough to reach nested tool-tree payloads.
const maxRewriteDepth = 20

// idFields are the field names the proxy rewrites when it finds them inside
// a plain JSON object, at any nesting depth up to maxRewriteDepth. This also
// covers the legacy result.metadata.id shape: "metadata" is just another
// object the walk descends into, and "id" is already in this list.
var idFields = map[string]struct{}{
	"id":                 {},
	"workspaceId":        {},
	"parentWorkspaceId":  {},
	"sectionId":          {},
	"taskId":             {},
	"task_id":            {},
	"task_ids":           {},
	"sourceWorkspaceId":  {},
}

// RewriteInbound decodes remote.<serverId>.<x> ids back to their bare form
// before a request body is forwarded to the upstream server.
func RewriteInbound(payload any) any {
	return rewrite(payload, 0, func(s string) string {
		if _, remoteID, ok := v1.DecodeRemoteID(s); ok {
			return remoteID
		}
		return s
	})
}

// RewriteOutbound encodes bare ids back into remote.<serverId>.<x> form on a
// response body or a streaming event chunk received from the upstream
// server. Encoding is idempotent, so already-encoded ids (e.g. ids of a
// *different* federated hop) pass through unchanged.
func RewriteOutbound(payload any, serverID string) any {
	return rewrite(payload, 0, func(s string) string {
		return v1.EncodeRemoteID(serverID, s)
	})
}

// rewrite walks maps and slices, applying transform to every string value
// found at an id-bearing key. depth is the current recursion depth; beyond
// maxRewriteDepth the walk stops descending and returns the value as-is.
func rewrite(payload any, depth int, transform func(string) string) any {
	if depth > maxRewriteDepth {
		return payload
	}

	switch v := payload.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if _, isIDField := idFields[k]; isIDField {
				out[k] = rewriteIDValue(val, transform)
				continue
			}
			out[k] = rewrite(val, depth+1, transform)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = rewrite(val, depth+1, transform)
		}
		return out
	default:
		return payload
	}
}

// rewriteIDValue applies transform to a string id, or to every element of a
// string-slice id (task_ids carries a list), leaving any other shape
// untouched.
func rewriteIDValue(val any, transform func(string) string) any {
	switch v := val.(type) {
	case string:
		return transform(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			if s, ok := item.(string); ok {
				out[i] = transform(s)
			} else {
				out[i] = item
			}
		}
		return out
	default:
		return val
	}
}
