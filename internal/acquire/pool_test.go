package acquire

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourneighborhoodchef/salvo/internal/client"
	"github.com/yourneighborhoodchef/salvo/internal/metrics"
	"github.com/yourneighborhoodchef/salvo/internal/ratelimit"
)

var (
	accepted = client.RedeemResult{HTTPStatus: 200, Code: 200, Success: true, Message: "ok"}
	soldOut  = client.RedeemResult{HTTPStatus: 200, Code: 200, Success: false, Message: "not started"}
)

// stubEndpoint plays the redeem endpoint. decide sees the attempt sequence
// and the 1-based call count.
type stubEndpoint struct {
	latency time.Duration
	decide  func(seq, call int64) (client.RedeemResult, error)

	calls       atomic.Int64
	active      atomic.Int64
	maxActive   atomic.Int64
	callsAfterX atomic.Int64
	closed      atomic.Bool
}

func (s *stubEndpoint) Redeem(ctx context.Context) (client.RedeemResult, error) {
	call := s.calls.Add(1)
	if s.closed.Load() {
		s.callsAfterX.Add(1)
	}
	n := s.active.Add(1)
	for {
		hi := s.maxActive.Load()
		if n <= hi || s.maxActive.CompareAndSwap(hi, n) {
			break
		}
	}
	defer s.active.Add(-1)

	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return client.RedeemResult{}, ctx.Err()
		}
	}
	seq, _ := SequenceFromContext(ctx)
	return s.decide(seq, call)
}

type recorder struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (r *recorder) Attempt(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func (r *recorder) winners() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Attempt
	for _, a := range r.attempts {
		if a.Result == Succeeded && !a.Late {
			out = append(out, a)
		}
	}
	return out
}

func newPool(r Redeemer, c int, d time.Duration, policy Policy, obs Observer) *Pool {
	return New(r, Options{
		Concurrency: c,
		Deadline:    d,
		Policy:      policy,
		Tick:        DefaultTick,
		Observer:    obs,
		Metrics:     metrics.New(),
		Logger:      zerolog.Nop(),
	})
}

func TestThirdAttemptWins(t *testing.T) {
	for _, policy := range []Policy{FixedBurst, SlidingWindow} {
		t.Run(policy.String(), func(t *testing.T) {
			stub := &stubEndpoint{
				latency: 10 * time.Millisecond,
				decide: func(seq, _ int64) (client.RedeemResult, error) {
					if seq == 3 {
						return accepted, nil
					}
					return soldOut, nil
				},
			}
			rec := &recorder{}
			p := newPool(stub, 5, 200*time.Millisecond, policy, rec)

			out, err := p.Run(context.Background())
			require.NoError(t, err)

			assert.True(t, out.Succeeded())
			assert.Equal(t, int64(3), out.Sequence)
			assert.GreaterOrEqual(t, out.TotalDispatched, int64(5))
			assert.Less(t, out.Elapsed, 200*time.Millisecond)
			require.Len(t, rec.winners(), 1)
			assert.Equal(t, int64(3), rec.winners()[0].Sequence)
		})
	}
}

func TestThirdCallAcrossWorkersWins(t *testing.T) {
	stub := &stubEndpoint{
		latency: 5 * time.Millisecond,
		decide: func(_, call int64) (client.RedeemResult, error) {
			if call == 3 {
				return accepted, nil
			}
			return soldOut, nil
		},
	}
	p := newPool(stub, 5, 200*time.Millisecond, SlidingWindow, nil)

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.GreaterOrEqual(t, out.TotalDispatched, int64(5))
	assert.Equal(t, int64(3), out.Sequence, "sequence numbers follow call order")
	assert.Equal(t, int64(1), out.Stats.Successes)
}

func TestAllTransportErrorsTimesOut(t *testing.T) {
	stub := &stubEndpoint{
		latency: time.Millisecond,
		decide: func(_, _ int64) (client.RedeemResult, error) {
			return client.RedeemResult{}, client.ErrTransport
		},
	}
	rec := &recorder{}
	p := newPool(stub, 5, 100*time.Millisecond, SlidingWindow, rec)

	out, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, out.Succeeded())
	assert.Equal(t, TimedOut, out.Kind)
	assert.Zero(t, out.Stats.Successes)
	assert.Greater(t, out.TotalDispatched, int64(5), "slots freed by failures are refilled")
	assert.Equal(t, out.TotalDispatched, out.Stats.Completed)
	assert.Equal(t, out.TotalDispatched, out.Stats.NetworkErrors+out.Stats.Rejected)
	assert.GreaterOrEqual(t, out.Elapsed, 100*time.Millisecond)
	assert.Empty(t, rec.winners())
}

func TestFixedBurstNeverRefills(t *testing.T) {
	stub := &stubEndpoint{
		decide: func(_, _ int64) (client.RedeemResult, error) { return soldOut, nil },
	}
	p := newPool(stub, 7, 60*time.Millisecond, FixedBurst, nil)

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TimedOut, out.Kind)
	assert.Equal(t, int64(7), out.TotalDispatched)
	assert.Equal(t, int64(7), stub.calls.Load())
	assert.Equal(t, int64(7), out.Stats.Rejected)
}

func TestInFlightNeverExceedsConcurrency(t *testing.T) {
	const c = 8
	stub := &stubEndpoint{
		decide: func(seq, _ int64) (client.RedeemResult, error) {
			time.Sleep(time.Duration(1+seq%4) * time.Millisecond)
			if seq%3 == 0 {
				return client.RedeemResult{}, errors.New("reset")
			}
			return soldOut, nil
		},
	}
	p := newPool(stub, c, 150*time.Millisecond, SlidingWindow, nil)

	done := make(chan struct{})
	var observedMax int64
	go func() {
		defer close(done)
		for !p.Stopped() {
			if n := p.InFlight(); n > observedMax {
				observedMax = n
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	<-done

	assert.LessOrEqual(t, observedMax, int64(c))
	assert.LessOrEqual(t, out.Stats.MaxInFlight, int64(c))
	assert.LessOrEqual(t, stub.maxActive.Load(), int64(c))
	assert.Equal(t, int64(c), out.Stats.MaxInFlight)
	assert.Greater(t, out.TotalDispatched, int64(c))
}

func TestConcurrentSuccessesFreezeFirst(t *testing.T) {
	release := make(chan struct{})
	stub := &stubEndpoint{
		decide: func(_, _ int64) (client.RedeemResult, error) {
			<-release
			return accepted, nil
		},
	}
	rec := &recorder{}
	p := newPool(stub, 20, time.Second, FixedBurst, rec)

	go func() {
		for p.Dispatched() < 20 {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	out, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, out.Succeeded())
	winners := rec.winners()
	require.Len(t, winners, 1)
	assert.Equal(t, winners[0].Sequence, out.Sequence)
	assert.Equal(t, int64(20), out.Stats.Successes)

	late := 0
	for _, a := range rec.attempts {
		if a.Late {
			late++
		}
	}
	assert.Equal(t, 19, late)
}

func TestNoDispatchAfterStop(t *testing.T) {
	stub := &stubEndpoint{
		latency: 2 * time.Millisecond,
		decide: func(_, call int64) (client.RedeemResult, error) {
			if call == 10 {
				return accepted, nil
			}
			return soldOut, nil
		},
	}
	p := newPool(stub, 4, time.Second, SlidingWindow, nil)

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	stub.closed.Store(true)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, out.TotalDispatched, p.Dispatched())
	assert.Equal(t, out.TotalDispatched, stub.calls.Load())
	assert.Zero(t, stub.callsAfterX.Load())
	assert.Zero(t, p.InFlight())
}

func TestLimiterCapsRefills(t *testing.T) {
	stub := &stubEndpoint{
		decide: func(int64, int64) (client.RedeemResult, error) { return soldOut, nil },
	}
	p := New(stub, Options{
		Concurrency: 4,
		Deadline:    100 * time.Millisecond,
		Policy:      SlidingWindow,
		Limiter:     ratelimit.NewTokenJar(50, 4),
		Logger:      zerolog.Nop(),
	})

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Succeeded())
	// 4 up front, then the 4-token jar plus roughly 50/s for 100ms.
	assert.LessOrEqual(t, out.TotalDispatched, int64(16))
	assert.GreaterOrEqual(t, out.TotalDispatched, int64(4))
}

func TestLimiterNeverShrinksOpeningBurst(t *testing.T) {
	stub := &stubEndpoint{
		latency: 200 * time.Millisecond,
		decide:  func(int64, int64) (client.RedeemResult, error) { return soldOut, nil },
	}
	p := New(stub, Options{
		Concurrency: 5,
		Deadline:    50 * time.Millisecond,
		Policy:      SlidingWindow,
		Limiter:     ratelimit.NewTokenJar(1, 2),
		Logger:      zerolog.Nop(),
	})

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.TotalDispatched, "opening burst is the full concurrency")
}

func TestSequencesAreContiguous(t *testing.T) {
	for i := 0; i < 50; i++ {
		stub := &stubEndpoint{
			latency: time.Millisecond,
			decide: func(seq, call int64) (client.RedeemResult, error) {
				return soldOut, nil
			},
		}
		rec := &recorder{}
		p := newPool(stub, 5, 20*time.Millisecond, SlidingWindow, rec)
		_, err := p.Run(context.Background())
		require.NoError(t, err)

		rec.mu.Lock()
		seen := make(map[int64]bool, len(rec.attempts))
		for _, a := range rec.attempts {
			require.False(t, seen[a.Sequence], "sequence %d reused", a.Sequence)
			seen[a.Sequence] = true
		}
		for seq := int64(1); seq <= int64(len(rec.attempts)); seq++ {
			require.True(t, seen[seq], "sequence %d missing", seq)
		}
		rec.mu.Unlock()
	}
}

func TestRunOnce(t *testing.T) {
	stub := &stubEndpoint{decide: func(_, _ int64) (client.RedeemResult, error) { return accepted, nil }}
	p := newPool(stub, 1, 50*time.Millisecond, FixedBurst, nil)

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, int64(1), out.Sequence)

	_, err = p.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestParentCancelTimesOut(t *testing.T) {
	stub := &stubEndpoint{
		latency: time.Millisecond,
		decide:  func(_, _ int64) (client.RedeemResult, error) { return soldOut, nil },
	}
	p := newPool(stub, 3, time.Minute, SlidingWindow, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	out, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, TimedOut, out.Kind)
	assert.Greater(t, out.TotalDispatched, int64(0))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Sliding-Window")
	require.NoError(t, err)
	assert.Equal(t, SlidingWindow, p)

	p, err = ParsePolicy("fixed-burst")
	require.NoError(t, err)
	assert.Equal(t, FixedBurst, p)

	_, err = ParsePolicy("round-robin")
	assert.Error(t, err)

	var q Policy
	require.NoError(t, q.UnmarshalText([]byte("sliding")))
	assert.Equal(t, SlidingWindow, q)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "Succeeded{sequence=3}", Outcome{Kind: Won, Sequence: 3}.String())
	assert.Equal(t, "TimedOut{dispatched=12}", Outcome{TotalDispatched: 12}.String())
}
