// Package daemon supervises the configuration server and registrar that a
// daemon process is configured to run.
package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Engine is a restartable protocol engine.
type Engine interface {
	Start() error
	Stop()
	Running() bool
}

// Config names the required engines. A nil engine is not required.
type Config struct {
	CS       Engine
	RS       Engine
	Interval time.Duration
	Logger   *zap.Logger
}

// Supervisor keeps the required engines running.
type Supervisor struct {
	cs       Engine
	rs       Engine
	log      *zap.Logger
	interval time.Duration
}

// New returns a supervisor for cfg.
func New(cfg Config) *Supervisor {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Supervisor{
		cs:       cfg.CS,
		rs:       cfg.RS,
		log:      log.With(zap.String("component", "supervisor")),
		interval: interval,
	}
}

// Run starts the required engines, restarts any that has stopped every
// interval and stops them when ctx is done, the CS before the registrar.
//
// Returns:
//   - An error if an engine fails its first start
//   - nil after a clean shutdown
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cs != nil {
		if err := s.cs.Start(); err != nil {
			return fmt.Errorf("start configuration server: %w", err)
		}
	}
	if s.rs != nil {
		if err := s.rs.Start(); err != nil {
			s.shutdown()
			return fmt.Errorf("start registrar: %w", err)
		}
	}
	s.log.Info("daemon running", zap.Bool("cs", s.cs != nil), zap.Bool("rs", s.rs != nil))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.ensure()
		}
	}
}

// ensure restarts every required engine that is not running.
func (s *Supervisor) ensure() {
	s.restart("configuration server", s.cs)
	s.restart("registrar", s.rs)
}

func (s *Supervisor) restart(name string, e Engine) {
	if e == nil || e.Running() {
		return
	}
	// Reap the previous run before starting a new one.
	e.Stop()
	if err := e.Start(); err != nil {
		s.log.Warn("can't restart engine", zap.String("engine", name), zap.Error(err))
		return
	}
	s.log.Info("engine restarted", zap.String("engine", name))
}

func (s *Supervisor) shutdown() {
	if s.cs != nil {
		s.cs.Stop()
	}
	if s.rs != nil {
		s.rs.Stop()
	}
	s.log.Info("daemon stopped")
}
