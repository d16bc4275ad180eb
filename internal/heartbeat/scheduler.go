// Package heartbeat drives the periodic cycles of configuration servers and
// registrars: liveness probes, failure imputation and resync broadcasts.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the heartbeat period, N3 in protocol terms.
const DefaultInterval = 10 * time.Second

// MaxMissed is the number of consecutive unanswered heartbeats after which
// a peer is presumed dead.
const MaxMissed = 3

// Cycle is one heartbeat pass. It must not block on the network while
// holding shared locks.
type Cycle func()

// Scheduler runs a Cycle immediately on Start and then once per interval
// until stopped.
// Thread-safe: Start and Stop may be called from any goroutine.
type Scheduler struct {
	cycle    Cycle
	log      *zap.Logger
	cancel   context.CancelFunc
	interval time.Duration
	mu       sync.Mutex
	wg       sync.WaitGroup
	cycles   int
}

// NewScheduler creates a stopped scheduler.
//
// Parameters:
//   - interval: Time between cycles; zero or negative selects DefaultInterval
//   - cycle: The pass to run each period
//   - log: Logger for lifecycle messages; nil disables logging
//
// Example:
//
//	hb := heartbeat.NewScheduler(0, srv.heartbeatCycle, log)
//	hb.Start()
//	defer hb.Stop()
func NewScheduler(interval time.Duration, cycle Cycle, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{interval: interval, cycle: cycle, log: log}
}

// Start launches the cycle goroutine. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels the cycle goroutine and waits for an in-progress cycle to
// finish. It must not be called from within the Cycle itself.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Debug("heartbeat stopped")
}

// Cycles reports how many cycles have completed.
func (s *Scheduler) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Debug("heartbeat started", zap.Duration("interval", s.interval))

	// First cycle runs immediately.
	s.tick()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick() {
	s.cycle()
	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()
}
