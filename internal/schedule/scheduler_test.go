package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourneighborhoodchef/salvo/internal/clocksync"
)

type fakeTimer struct {
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// manualClock records AfterFunc calls; Trigger runs the pending callback.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{}
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, f)
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Trigger(i int) {
	c.mu.Lock()
	f, t := c.fns[i], c.timers[i]
	c.mu.Unlock()
	if !t.stopped.Load() {
		f()
	}
}

func windowStartingAt(startMillis int64) clocksync.Window {
	return clocksync.Window{ScheduledStart: startMillis}
}

func TestImmediateFireArmsNoTimer(t *testing.T) {
	clk := &manualClock{now: time.UnixMilli(1_000_000)}
	s := New(clk)

	// offset 0, start 50ms from now, lead 300ms.
	var fired atomic.Int32
	plan, err := s.Arm(windowStartingAt(1_000_050), 0, 300*time.Millisecond, func() { fired.Add(1) })
	require.NoError(t, err)

	assert.True(t, plan.Immediate)
	assert.Equal(t, 50*time.Millisecond, plan.TimeLeft)
	assert.Zero(t, plan.Delay)

	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int32(1), fired.Load())
	assert.Empty(t, clk.delays)
}

func TestDelayedFireUsesOffsetAndLead(t *testing.T) {
	clk := &manualClock{now: time.UnixMilli(10_000)}
	s := New(clk)

	// Server is 99050ms ahead; start on the server clock is 120000.
	// adjustedStart = 120000 - 99050 = 20950 local, left = 10950ms.
	var fired atomic.Int32
	plan, err := s.Arm(windowStartingAt(120_000), 99_050, 280*time.Millisecond, func() { fired.Add(1) })
	require.NoError(t, err)

	assert.False(t, plan.Immediate)
	assert.Equal(t, time.UnixMilli(20_950), plan.AdjustedStart)
	assert.Equal(t, time.UnixMilli(20_670), plan.FireAt)
	assert.Equal(t, 10_950*time.Millisecond, plan.TimeLeft)
	require.Len(t, clk.delays, 1)
	assert.Equal(t, 10_670*time.Millisecond, clk.delays[0])
	assert.False(t, s.Fired())

	clk.Trigger(0)
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int32(1), fired.Load())

	// A late duplicate trigger is ignored.
	clk.Trigger(0)
	assert.Equal(t, int32(1), fired.Load())
}

func TestBoundaryIsImmediate(t *testing.T) {
	p := NewPlan(windowStartingAt(1300), 0, 300*time.Millisecond, time.UnixMilli(1000))
	assert.True(t, p.Immediate)

	p = NewPlan(windowStartingAt(1301), 0, 300*time.Millisecond, time.UnixMilli(1000))
	assert.False(t, p.Immediate)
	assert.Equal(t, time.Millisecond, p.Delay)
}

func TestArmTwice(t *testing.T) {
	clk := &manualClock{now: time.UnixMilli(0)}
	s := New(clk)

	_, err := s.Arm(windowStartingAt(60_000), 0, 0, func() {})
	require.NoError(t, err)
	_, err = s.Arm(windowStartingAt(60_000), 0, 0, func() {})
	assert.ErrorIs(t, err, ErrAlreadyArmed)
	assert.Len(t, clk.delays, 1)
}

func TestStopPreventsFire(t *testing.T) {
	clk := &manualClock{now: time.UnixMilli(0)}
	s := New(clk)

	var fired atomic.Int32
	_, err := s.Arm(windowStartingAt(60_000), 0, 0, func() { fired.Add(1) })
	require.NoError(t, err)

	assert.True(t, s.Stop())
	assert.False(t, s.Stop())
	clk.Trigger(0)

	assert.ErrorIs(t, s.Wait(context.Background()), ErrStopped)
	assert.Zero(t, fired.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	s := New(&manualClock{now: time.UnixMilli(0)})
	_, err := s.Arm(windowStartingAt(60_000), 0, 0, func() {})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestRealClockNeverFiresEarly(t *testing.T) {
	s := New(nil)
	lead := 20 * time.Millisecond
	start := time.Now().Add(80 * time.Millisecond)

	var firedAt time.Time
	plan, err := s.Arm(windowStartingAt(start.UnixMilli()), 0, lead, func() { firedAt = time.Now() })
	require.NoError(t, err)
	require.NoError(t, s.Wait(context.Background()))

	assert.False(t, firedAt.Before(plan.FireAt.Add(-time.Millisecond)), "fired %v before %v", firedAt, plan.FireAt)
}
