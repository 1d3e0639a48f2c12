package federation

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/common/logger"
)

// cronParser accepts standard 5-field cron expressions (minute hour dom
// month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper periodically re-probes every registered remote server and marks
// it unreachable in the registry's in-memory table on failure, so the proxy
// can fail fast instead of waiting out a request timeout.
type Sweeper struct {
	registry *Registry
	client   *http.Client
	logger   *logger.Logger
	schedule cron.Schedule
	timeout  time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewSweeper parses cronExpr and builds a Sweeper. timeout bounds each
// individual server probe.
func NewSweeper(registry *Registry, cronExpr string, timeout time.Duration, log *logger.Logger) (*Sweeper, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid liveness sweep cron expression %q: %w", cronExpr, err)
	}
	return &Sweeper{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		logger:   log,
		schedule: schedule,
		timeout:  timeout,
	}, nil
}

// Start begins the sweep loop. Calling Start more than once without Stop is
// a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("federation liveness sweeper started")
}

// Stop cancels the sweep loop and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.started = false
	s.logger.Info("federation liveness sweeper stopped")
}

// loop sleeps until the next scheduled fire time, sweeps, and repeats. An
// initial sweep runs immediately rather than waiting for the first fire
// time; until a server's first probe fails it counts as reachable.
func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	s.sweepAll(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweepAll(ctx)
		}
	}
}

func (s *Sweeper) sweepAll(ctx context.Context) {
	for _, id := range s.registry.ServerIDs() {
		s.probe(ctx, id)
	}
}

func (s *Sweeper) probe(ctx context.Context, serverID string) {
	server, ok := s.registry.Lookup(serverID)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, server.BaseURL+"/healthz", http.NoBody)
	if err != nil {
		s.registry.MarkUnreachable(serverID)
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("liveness probe failed", zap.String("server_id", serverID), zap.Error(err))
		s.registry.MarkUnreachable(serverID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.registry.MarkUnreachable(serverID)
		return
	}
	s.registry.MarkReachable(serverID)
}
