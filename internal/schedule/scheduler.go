// Package schedule turns a sale start on the server clock into a single
// local trigger, fired a lead time early.
package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourneighborhoodchef/salvo/internal/clocksync"
)

var (
	ErrAlreadyArmed = errors.New("scheduler already armed")
	ErrStopped      = errors.New("scheduler stopped before firing")
)

// Timer is the handle AfterFunc returns.
type Timer interface {
	Stop() bool
}

// Clock lets tests control time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Plan is the fire time computed from one probe.
type Plan struct {
	// AdjustedStart is the sale start translated to the local clock.
	AdjustedStart time.Time
	// FireAt is AdjustedStart minus the lead time.
	FireAt time.Time
	// TimeLeft is AdjustedStart minus now at planning time.
	TimeLeft time.Duration
	Lead     time.Duration
	// Delay is how long the timer waits; zero when Immediate.
	Delay     time.Duration
	Immediate bool
}

// NewPlan computes adjustedStart = scheduledStart - offset and decides
// whether to fire now or after TimeLeft - lead.
func NewPlan(w clocksync.Window, offsetMillis int64, lead time.Duration, now time.Time) Plan {
	adjusted := time.UnixMilli(w.ScheduledStart - offsetMillis)
	left := adjusted.Sub(now)
	p := Plan{
		AdjustedStart: adjusted,
		FireAt:        adjusted.Add(-lead),
		TimeLeft:      left,
		Lead:          lead,
	}
	if left <= lead {
		p.Immediate = true
	} else {
		p.Delay = left - lead
	}
	return p
}

// Scheduler fires at most once. It never blocks the caller: the callback
// runs on its own goroutine and Wait observes completion.
type Scheduler struct {
	clock Clock
	armed atomic.Bool

	mu    sync.Mutex
	timer Timer

	fired    atomic.Bool
	stopped  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{clock: clock, done: make(chan struct{})}
}

// Arm plans from the window and offset and schedules fire. A second call
// returns ErrAlreadyArmed without scheduling anything.
func (s *Scheduler) Arm(w clocksync.Window, offsetMillis int64, lead time.Duration, fire func()) (Plan, error) {
	if !s.armed.CompareAndSwap(false, true) {
		return Plan{}, ErrAlreadyArmed
	}

	plan := NewPlan(w, offsetMillis, lead, s.clock.Now())
	run := func() {
		if !s.fired.CompareAndSwap(false, true) {
			return
		}
		defer s.finish()
		fire()
	}

	if plan.Immediate {
		go run()
		return plan, nil
	}

	s.mu.Lock()
	s.timer = s.clock.AfterFunc(plan.Delay, run)
	s.mu.Unlock()
	return plan, nil
}

func (s *Scheduler) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Fired reports whether the callback has started.
func (s *Scheduler) Fired() bool {
	return s.fired.Load()
}

// Stop disarms a pending timer. It returns true if that prevented the
// callback from running.
func (s *Scheduler) Stop() bool {
	if !s.fired.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.stopped.Store(true)
	s.finish()
	return true
}

// Wait blocks until the callback has returned, the scheduler was stopped
// (ErrStopped), or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		if s.stopped.Load() {
			return ErrStopped
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the callback returns or Stop wins.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}
