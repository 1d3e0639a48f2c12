package sshpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetKey_StableAndDistinct(t *testing.T) {
	a := Target{Host: "box1.internal", Port: 22}
	b := Target{Host: "box1.internal", Port: 22}
	c := Target{Host: "box2.internal", Port: 22}

	require.Equal(t, a.key(), b.key())
	require.NotEqual(t, a.key(), c.key())
}

func TestTarget_NormalizedPort(t *testing.T) {
	require.Equal(t, 22, Target{}.normalizedPort())
	require.Equal(t, 2222, Target{Port: 2222}.normalizedPort())
}

func TestMultiplexSocketPath_DeterministicAndBounded(t *testing.T) {
	target := Target{Host: "box1.internal", Port: 22, IdentityFile: "/home/user/.ssh/id_ed25519"}

	p1 := target.MultiplexSocketPath("/tmp")
	p2 := target.MultiplexSocketPath("/tmp")
	require.Equal(t, p1, p2)
	require.Contains(t, p1, "/tmp/mux-ssh-")

	other := Target{Host: "box2.internal", Port: 22}
	require.NotEqual(t, p1, other.MultiplexSocketPath("/tmp"))
}
