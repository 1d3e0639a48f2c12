package sshpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 5 * time.Second},
		{3, 10 * time.Second},
		{6, 60 * time.Second},
		{100, 60 * time.Second},
	}

	for _, tc := range tests {
		require.Equal(t, tc.want, backoffFor(tc.failures))
	}
}
