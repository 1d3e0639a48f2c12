package sshpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mux-run/mux/internal/common/logger"
)

type alwaysFailProber struct{}

func (alwaysFailProber) Probe(ctx context.Context, target Target) error {
	return errors.New("boom")
}

func TestReaper_RejectsSixFieldCronAndReapDropsStaleEntry(t *testing.T) {
	pool := NewPool(alwaysFailProber{}, logger.Default())
	target := Target{Host: "stale.internal"}
	pool.ReportFailure(target, errors.New("seed"))
	require.Equal(t, healthyCount(pool), 0)

	reaper, err := NewReaper(pool, "* * * * * *", time.Millisecond, logger.Default())
	require.Error(t, err) // 6-field cron expr rejected by the 5-field parser

	reaper, err = NewReaper(pool, "* * * * *", time.Millisecond, logger.Default())
	require.NoError(t, err)

	removed := pool.Reap(time.Millisecond)
	require.Equal(t, 1, removed)
	_ = reaper
}

func TestReaper_DefaultIdleAppliedWhenNonPositive(t *testing.T) {
	pool := NewPool(alwaysFailProber{}, logger.Default())
	reaper, err := NewReaper(pool, "*/5 * * * *", 0, logger.Default())
	require.NoError(t, err)
	require.Equal(t, DefaultReapIdle, reaper.idleFor)
}

func TestReaper_StartStopIsClean(t *testing.T) {
	pool := NewPool(alwaysFailProber{}, logger.Default())
	reaper, err := NewReaper(pool, "*/1 * * * *", time.Hour, logger.Default())
	require.NoError(t, err)

	reaper.Start(context.Background())
	reaper.Start(context.Background()) // second Start is a no-op
	reaper.Stop()
	reaper.Stop() // second Stop is a no-op
}

func TestNewReaper_RejectsInvalidCronExpression(t *testing.T) {
	pool := NewPool(alwaysFailProber{}, logger.Default())
	_, err := NewReaper(pool, "not-a-cron-expr", time.Hour, logger.Default())
	require.Error(t, err)
}

func healthyCount(pool *Pool) int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	count := 0
	for _, h := range pool.table {
		if h.Status == "healthy" {
			count++
		}
	}
	return count
}
