package sshpool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/user"
	"strconv"
)

// Target identifies an SSH transport endpoint. srcBaseDir is intentionally
// excluded from the key (and from Target itself) so that every workspace
// backed by the same host shares one multiplexed transport.
type Target struct {
	Host         string
	Port         int
	IdentityFile string
}

func (t Target) normalizedPort() int {
	if t.Port <= 0 {
		return 22
	}
	return t.Port
}

// localUser resolves the local operating-system user for the key, falling
// back to the USER/LOGNAME environment convention os/user already applies.
func localUser() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "unknown"
	}
	return u.Username
}

// key is a stable hash of (local-user, host, port, identityFile), used as
// the map key for both the health table and the singleflight group.
type key string

func (t Target) key() key {
	raw := fmt.Sprintf("%s:%s:%d:%s", localUser(), t.Host, t.normalizedPort(), t.IdentityFile)
	sum := sha256.Sum256([]byte(raw))
	return key(hex.EncodeToString(sum[:]))
}

// MultiplexSocketPath derives the deterministic, user-scoped SSH
// ControlPath for this target: OS temp dir, filename
// "mux-ssh-<hex12(SHA-256(user:host:port:identityFile))>".
func (t Target) MultiplexSocketPath(tempDir string) string {
	raw := fmt.Sprintf("%s:%s:%s:%s", localUser(), t.Host, strconv.Itoa(t.normalizedPort()), t.IdentityFile)
	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])[:12]
	return tempDir + "/mux-ssh-" + hash
}
