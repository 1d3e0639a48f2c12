// Package sshpool implements a per-target SSH connection health tracker:
// deterministic multiplex socket naming, exponential backoff, single-flight
// probes, and a TTL on "healthy".
package sshpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	v1 "github.com/mux-run/mux/pkg/api/v1"

	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/metrics"
)

// HealthyTTL is the window within which a prior success short-circuits a
// fresh probe.
const HealthyTTL = 15 * time.Second

// Prober performs the actual non-interactive connectivity check for a
// target. Separated out so tests can substitute a fake.
type Prober interface {
	Probe(ctx context.Context, target Target) error
}

// Pool tracks SSH connection health across targets and serializes
// concurrent acquisition attempts per target.
type Pool struct {
	mu     sync.Mutex
	table  map[key]*v1.ConnectionHealth
	group  singleflight.Group
	prober Prober
	logger *logger.Logger
}

// NewPool creates a connection pool backed by the given prober.
func NewPool(prober Prober, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		table:  make(map[key]*v1.ConnectionHealth),
		prober: prober,
		logger: log.WithFields(zap.String("component", "sshpool")),
	}
}

// BackoffError is returned by AcquireConnection when the target is within
// its backoff window. Its message is recognized by the retry helper via a
// fixed, parseable format: "in backoff for <duration>".
type BackoffError struct {
	Target   Target
	Duration time.Duration
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("ssh target %s: in backoff for %s", e.Target.Host, e.Duration)
}

func (p *Pool) healthLocked(t Target) *v1.ConnectionHealth {
	k := t.key()
	h, ok := p.table[k]
	if !ok {
		h = &v1.ConnectionHealth{Status: v1.ConnectionStatusUnknown}
		p.table[k] = h
	}
	return h
}

// Health returns a snapshot of the current health record for target.
func (p *Pool) Health(t Target) v1.ConnectionHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.healthLocked(t)
}

// AcquireConnection implements the single-call acquisition policy:
//  1. If backoffUntil > now: fail fast.
//  2. If healthy and within HealthyTTL of lastSuccess: return immediately.
//  3. If an in-flight probe exists for this key: await it (singleflight).
//  4. Otherwise start a probe, await it.
func (p *Pool) AcquireConnection(ctx context.Context, t Target) error {
	now := time.Now()

	p.mu.Lock()
	h := p.healthLocked(t)
	if h.BackoffUntil != nil && h.BackoffUntil.After(now) {
		scheduled := backoffFor(h.ConsecutiveFailures)
		p.mu.Unlock()
		return &BackoffError{Target: t, Duration: scheduled}
	}
	if h.Status == v1.ConnectionStatusHealthy && h.LastSuccess != nil && now.Sub(*h.LastSuccess) < HealthyTTL {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	k := t.key()
	_, err, _ := p.group.Do(string(k), func() (any, error) {
		probeErr := p.prober.Probe(ctx, t)
		if probeErr != nil {
			metrics.SSHPoolProbesTotal.WithLabelValues("failure").Inc()
			p.mu.Lock()
			p.reportFailureLocked(t, probeErr)
			p.mu.Unlock()
			return nil, probeErr
		}
		metrics.SSHPoolProbesTotal.WithLabelValues("success").Inc()
		p.mu.Lock()
		p.markHealthyLocked(t)
		p.mu.Unlock()
		return nil, nil
	})
	return err
}

// MarkHealthy records an externally observed success without probing.
func (p *Pool) MarkHealthy(t Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markHealthyLocked(t)
}

func (p *Pool) markHealthyLocked(t Target) {
	h := p.healthLocked(t)
	now := time.Now()
	h.Status = v1.ConnectionStatusHealthy
	h.LastSuccess = &now
	h.LastError = ""
	h.BackoffUntil = nil
	h.ConsecutiveFailures = 0
}

// ReportFailure records an externally observed failure without probing,
// advancing the backoff schedule exactly as a failed probe would.
func (p *Pool) ReportFailure(t Target, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportFailureLocked(t, cause)
}

func (p *Pool) reportFailureLocked(t Target, cause error) {
	h := p.healthLocked(t)
	now := time.Now()
	h.Status = v1.ConnectionStatusUnhealthy
	h.LastFailure = &now
	if cause != nil {
		h.LastError = cause.Error()
	}
	h.ConsecutiveFailures++
	until := now.Add(backoffFor(h.ConsecutiveFailures))
	// backoffUntil is monotonically non-decreasing across consecutive
	// failures until the schedule caps.
	if h.BackoffUntil == nil || until.After(*h.BackoffUntil) {
		h.BackoffUntil = &until
	}
}

// ResetBackoff zeroes the failure counters for a target (user intervention).
func (p *Pool) ResetBackoff(t Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.healthLocked(t)
	h.ConsecutiveFailures = 0
	h.BackoffUntil = nil
	if h.Status == v1.ConnectionStatusUnhealthy {
		h.Status = v1.ConnectionStatusUnknown
	}
}

// Reap drops table entries that have seen no activity (neither success nor
// failure) for longer than idleFor. Driven by the periodic Reaper cron job
// that cmd/muxd starts alongside the pool, so the table doesn't grow
// unbounded across the lifetime of a long-running mux process.
func (p *Pool) Reap(idleFor time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, h := range p.table {
		last := h.LastSuccess
		if h.LastFailure != nil && (last == nil || h.LastFailure.After(*last)) {
			last = h.LastFailure
		}
		if last == nil || now.Sub(*last) > idleFor {
			delete(p.table, k)
			removed++
		}
	}
	return removed
}
