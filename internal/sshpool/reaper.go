package sshpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/common/logger"
)

var reaperCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DefaultReapIdle is the activity window Reaper applies when none is given:
// table entries with no success or failure recorded in the last 2h are
// dropped.
const DefaultReapIdle = 2 * time.Hour

// Reaper drives Pool.Reap on a cron schedule. cmd/muxd constructs and
// starts it right after the Pool, the same way it does federation.Sweeper.
type Reaper struct {
	pool     *Pool
	idleFor  time.Duration
	logger   *logger.Logger
	schedule cron.Schedule

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewReaper parses cronExpr and builds a Reaper bound to pool. idleFor <= 0
// falls back to DefaultReapIdle.
func NewReaper(pool *Pool, cronExpr string, idleFor time.Duration, log *logger.Logger) (*Reaper, error) {
	schedule, err := reaperCronParser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid ssh pool reap cron expression %q: %w", cronExpr, err)
	}
	if idleFor <= 0 {
		idleFor = DefaultReapIdle
	}
	if log == nil {
		log = logger.Default()
	}
	return &Reaper{
		pool:     pool,
		idleFor:  idleFor,
		logger:   log,
		schedule: schedule,
	}, nil
}

// Start begins the reap loop. Calling Start more than once without Stop is a
// no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("ssh pool reaper started")
}

// Stop cancels the reap loop and waits for it to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.started = false
	r.logger.Info("ssh pool reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			removed := r.pool.Reap(r.idleFor)
			if removed > 0 {
				r.logger.Info("reaped stale ssh pool entries", zap.Int("removed", removed))
			}
		}
	}
}
