package heartbeat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestSchedulerRunsImmediately verifies the first cycle does not wait for
// the interval.
func TestSchedulerRunsImmediately(t *testing.T) {
	var n atomic.Int32
	s := NewScheduler(time.Hour, func() { n.Add(1) }, nil)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Cycles() == 1 }, time.Second, 5*time.Millisecond)
}

// TestSchedulerPeriodic verifies cycles repeat and stop after Stop returns.
func TestSchedulerPeriodic(t *testing.T) {
	var n atomic.Int32
	s := NewScheduler(10*time.Millisecond, func() { n.Add(1) }, nil)
	s.Start()
	s.Start()

	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	stopped := n.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())
}

// TestSchedulerRestart verifies a stopped scheduler can be started again.
func TestSchedulerRestart(t *testing.T) {
	var n atomic.Int32
	s := NewScheduler(time.Hour, func() { n.Add(1) }, nil)

	s.Start()
	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	s.Start()
	assert.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

// TestDefaultInterval verifies a non-positive interval selects the default.
func TestDefaultInterval(t *testing.T) {
	s := NewScheduler(0, func() {}, nil)
	assert.Equal(t, DefaultInterval, s.interval)
}
