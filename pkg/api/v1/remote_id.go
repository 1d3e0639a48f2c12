package v1

import (
	"fmt"
	"regexp"
	"strings"
)

// remoteIDPattern is the grammar for a federated id: remote\.[A-Za-z0-9._-]+\..+
var remoteIDPattern = regexp.MustCompile(`^remote\.([A-Za-z0-9._-]+)\.(.+)$`)

const remoteIDPrefix = "remote."

// IsRemoteID reports whether id is already encoded as a federated id.
func IsRemoteID(id string) bool {
	return remoteIDPattern.MatchString(id)
}

// DecodeRemoteID splits a "remote.<serverId>.<remoteId>" id into its parts.
// serverId must match [A-Za-z0-9._-]+; remoteId is preserved verbatim
// modulo leading/trailing whitespace trimming.
func DecodeRemoteID(id string) (serverID string, remoteID string, ok bool) {
	m := remoteIDPattern.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

// EncodeRemoteID builds a "remote.<serverId>.<remoteId>" id. Idempotent: if
// remoteID is already an encoded remote id for any server, it is returned
// unchanged rather than double-wrapped.
func EncodeRemoteID(serverID, remoteID string) string {
	if IsRemoteID(remoteID) {
		return remoteID
	}
	return fmt.Sprintf("%s%s.%s", remoteIDPrefix, serverID, remoteID)
}
