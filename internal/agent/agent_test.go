package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourneighborhoodchef/salvo/internal/acquire"
	"github.com/yourneighborhoodchef/salvo/internal/catalog"
	"github.com/yourneighborhoodchef/salvo/internal/client"
	"github.com/yourneighborhoodchef/salvo/internal/config"
	"github.com/yourneighborhoodchef/salvo/internal/metrics"
	"github.com/yourneighborhoodchef/salvo/internal/report"
)

var (
	accepted = client.RedeemResult{HTTPStatus: 200, Code: 200, Success: true, Message: "ok"}
	notYet   = client.RedeemResult{HTTPStatus: 200, Code: 200, Success: false, Message: "activity not started"}
)

type fakeBackend struct {
	startIn time.Duration
	listErr error
	items   []client.Item
	decide  func(seq int64) (client.RedeemResult, error)

	lists   atomic.Int64
	redeems atomic.Int64
}

func (f *fakeBackend) List(ctx context.Context, saleID string, loc *time.Location) (*client.Listing, error) {
	f.lists.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	now := time.Now()
	items := f.items
	if items == nil {
		items = []client.Item{{SkuCode: "SKUJC6", AccessID: "h-1", Title: "Coupon"}}
	}
	return &client.Listing{
		CurrentTime:       now.UnixMilli(),
		ActivityBeginTime: now.Add(f.startIn).UnixMilli(),
		Items:             items,
	}, nil
}

func (f *fakeBackend) Redeem(ctx context.Context, handle, saleID string) (client.RedeemResult, error) {
	f.redeems.Add(1)
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return client.RedeemResult{}, ctx.Err()
	}
	seq, _ := acquire.SequenceFromContext(ctx)
	if f.decide == nil {
		return notYet, nil
	}
	return f.decide(seq)
}

func (f *fakeBackend) RedeemPayload(handle, saleID string) any {
	return map[string]any{"goodsDetailAccessId": handle, "categoryAccessId": saleID, "source": 4}
}

type captureSink struct {
	mu      sync.Mutex
	summary *report.Summary
}

func (c *captureSink) Attempt(acquire.Attempt) {}
func (c *captureSink) Progress(string)         {}

func (c *captureSink) Finish(_ context.Context, s report.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = &s
	return nil
}

func (c *captureSink) get() *report.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sale.ID = "sale-1"
	cfg.Sale.ItemCode = "SKUJC6"
	cfg.Sale.TimeZone = "UTC"
	cfg.Burst.Concurrency = 5
	cfg.Burst.Deadline = 300 * time.Millisecond
	cfg.Burst.Lead = 300 * time.Millisecond
	cfg.Probe.MaxAttempts = 2
	cfg.Probe.InitialInterval = time.Millisecond
	cfg.Probe.MaxInterval = 2 * time.Millisecond
	return cfg
}

func newAgent(cfg *config.Config, b Backend, sinks ...report.Reporter) *Agent {
	return New(cfg, b, Options{
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(),
		Sinks:   sinks,
		RunID:   "run-test",
	})
}

func TestRunWinsOnThirdAttempt(t *testing.T) {
	b := &fakeBackend{
		startIn: 50 * time.Millisecond,
		decide: func(seq int64) (client.RedeemResult, error) {
			if seq == 3 {
				return accepted, nil
			}
			return notYet, nil
		},
	}
	sink := &captureSink{}
	a := newAgent(testConfig(), b, sink)

	res, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Plan.Immediate, "sale inside the lead fires at once")
	assert.True(t, res.Outcome.Succeeded())
	assert.Equal(t, int64(3), res.Outcome.Sequence)
	assert.Equal(t, "h-1", res.Entry.Handle)
	assert.False(t, res.Estimate.Degenerate)

	s := sink.get()
	require.NotNil(t, s)
	assert.Equal(t, "run-test", s.RunID)
	assert.True(t, s.Succeeded)
	assert.Equal(t, int64(3), s.Sequence)
	assert.Contains(t, s.Headline(), "on attempt 3")
	assert.NotEmpty(t, s.Lines)
	assert.Contains(t, s.Lines[0], "probing sale sale-1")
}

func TestRunWaitsForFireTime(t *testing.T) {
	b := &fakeBackend{
		startIn: 400 * time.Millisecond,
		decide:  func(int64) (client.RedeemResult, error) { return accepted, nil },
	}
	cfg := testConfig()
	cfg.Burst.Lead = 100 * time.Millisecond

	start := time.Now()
	res, err := newAgent(cfg, b).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Plan.Immediate)
	assert.True(t, res.Outcome.Succeeded())
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestRunTimesOut(t *testing.T) {
	b := &fakeBackend{startIn: 10 * time.Millisecond}
	cfg := testConfig()
	cfg.Burst.Deadline = 60 * time.Millisecond
	sink := &captureSink{}

	res, err := newAgent(cfg, b, sink).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Outcome.Succeeded())
	assert.Positive(t, res.Outcome.TotalDispatched)
	require.NotNil(t, sink.get())
	assert.Equal(t,
		fmt.Sprintf("timed out after %d attempts, no success", res.Outcome.TotalDispatched),
		sink.get().Headline())
}

func TestProbeFailureAborts(t *testing.T) {
	b := &fakeBackend{listErr: fmt.Errorf("%w: connection reset", client.ErrTransport)}
	sink := &captureSink{}

	_, err := newAgent(testConfig(), b, sink).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrProbeUnavailable)
	assert.Equal(t, int64(2), b.lists.Load(), "transport failures are retried")
	assert.Zero(t, b.redeems.Load())
	assert.Nil(t, sink.get(), "nothing to report without a burst")
}

func TestProbeItemMissing(t *testing.T) {
	b := &fakeBackend{items: []client.Item{{SkuCode: "OTHER", AccessID: "x"}}}

	_, err := newAgent(testConfig(), b).Run(context.Background())
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.Equal(t, int64(1), b.lists.Load())
	assert.Zero(t, b.redeems.Load())
}

func TestCancelBeforeFire(t *testing.T) {
	b := &fakeBackend{startIn: 10 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := newAgent(testConfig(), b).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Outcome.Succeeded())
	assert.Zero(t, res.Outcome.TotalDispatched)
	assert.Zero(t, b.redeems.Load())
}

func TestExitCutoff(t *testing.T) {
	b := &fakeBackend{startIn: 10 * time.Second}
	a := newAgent(testConfig(), b)
	a.cutoff = func(now time.Time) (time.Time, bool) { return now.Add(30 * time.Millisecond), true }

	_, err := a.Run(context.Background())
	assert.True(t, errors.Is(err, ErrCutoff), "got %v", err)
	assert.Zero(t, b.redeems.Load())
}

func TestCheck(t *testing.T) {
	b := &fakeBackend{startIn: time.Hour}
	a := newAgent(testConfig(), b)

	res, err := a.Check(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "SKUJC6", res.Entry.ItemCode)
	assert.False(t, res.Plan.Immediate)
	assert.InDelta(t, time.Hour.Seconds(), res.Plan.TimeLeft.Seconds(), 1)
	assert.Nil(t, res.Redeem)
	assert.Zero(t, b.redeems.Load())

	res, err = a.Check(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, res.Redeem)
	assert.False(t, res.Redeem.Authoritative())
	assert.Equal(t, int64(1), b.redeems.Load())
}

// blockedBackend fails every list and has no proxy left to move to.
type blockedBackend struct {
	fakeBackend
	recovers atomic.Int64
}

func (b *blockedBackend) Recover() error {
	b.recovers.Add(1)
	return client.ErrProxyBlocked
}

func TestRunAbortsWhenProxiesRunOut(t *testing.T) {
	b := &blockedBackend{fakeBackend: fakeBackend{listErr: client.ErrTransport}}

	_, err := newAgent(testConfig(), b).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrProbeUnavailable)
	assert.ErrorIs(t, err, client.ErrProxyBlocked)
	assert.Equal(t, int64(1), b.recovers.Load())
	assert.Equal(t, int64(1), b.lists.Load())
	assert.Zero(t, b.redeems.Load())
}
