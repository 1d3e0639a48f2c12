package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newMessageID mints a message id of the form "<prefix>-<epochMillis>-<rand>".
func newMessageID(prefix string, epochMillis int64) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s-%d-%s", prefix, epochMillis, hex.EncodeToString(buf[:]))
}
