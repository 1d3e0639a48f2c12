package sshpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu        sync.Mutex
	calls     int32
	err       error
	onProbe   func()
	blockChan chan struct{}
}

func (f *fakeProber) Probe(ctx context.Context, target Target) error {
	atomic.AddInt32(&f.calls, 1)
	if f.onProbe != nil {
		f.onProbe()
	}
	if f.blockChan != nil {
		<-f.blockChan
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeProber) count() int32 { return atomic.LoadInt32(&f.calls) }

func TestAcquireConnection_HealthyWithinTTLSkipsProbe(t *testing.T) {
	prober := &fakeProber{}
	pool := NewPool(prober, nil)
	target := Target{Host: "example.com"}

	require.NoError(t, pool.AcquireConnection(context.Background(), target))
	require.NoError(t, pool.AcquireConnection(context.Background(), target))

	require.EqualValues(t, 1, prober.count())
}

func TestAcquireConnection_BackoffFailsFast(t *testing.T) {
	prober := &fakeProber{err: errors.New("connection refused")}
	pool := NewPool(prober, nil)
	target := Target{Host: "example.com"}

	err := pool.AcquireConnection(context.Background(), target)
	require.Error(t, err)

	err = pool.AcquireConnection(context.Background(), target)
	var backoffErr *BackoffError
	require.ErrorAs(t, err, &backoffErr)
	require.EqualValues(t, 1, prober.count())
}

func TestAcquireConnection_SingleflightDedupesConcurrentProbes(t *testing.T) {
	prober := &fakeProber{blockChan: make(chan struct{})}
	pool := NewPool(prober, nil)
	target := Target{Host: "example.com"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.AcquireConnection(context.Background(), target)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(prober.blockChan)
	wg.Wait()

	require.EqualValues(t, 1, prober.count())
}

func TestReportFailure_BackoffMonotonicAcrossFailures(t *testing.T) {
	prober := &fakeProber{}
	pool := NewPool(prober, nil)
	target := Target{Host: "example.com"}

	pool.ReportFailure(target, errors.New("boom"))
	first := *pool.Health(target).BackoffUntil

	pool.ResetBackoff(target)
	h := pool.Health(target)
	require.Nil(t, h.BackoffUntil)
	require.Zero(t, h.ConsecutiveFailures)

	pool.ReportFailure(target, errors.New("boom"))
	pool.ReportFailure(target, errors.New("boom"))
	second := *pool.Health(target).BackoffUntil
	require.True(t, second.After(first) || second.Equal(first))
}

func TestMarkHealthy_ClearsFailureState(t *testing.T) {
	pool := NewPool(&fakeProber{}, nil)
	target := Target{Host: "example.com"}

	pool.ReportFailure(target, errors.New("connection timed out"))
	require.NotZero(t, pool.Health(target).ConsecutiveFailures)

	pool.MarkHealthy(target)
	h := pool.Health(target)
	require.Equal(t, 0, h.ConsecutiveFailures)
	require.Nil(t, h.BackoffUntil)
	require.NotNil(t, h.LastSuccess)
}

func TestReap_RemovesIdleEntries(t *testing.T) {
	pool := NewPool(&fakeProber{}, nil)
	target := Target{Host: "stale.example.com"}
	pool.MarkHealthy(target)

	removed := pool.Reap(-1 * time.Second)
	require.Equal(t, 1, removed)
	require.Equal(t, 0, len(pool.table))
}
