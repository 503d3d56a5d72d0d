// Package acquire keeps a bounded number of redemption requests in flight
// until the first authoritative success or a deadline.
package acquire

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/yourneighborhoodchef/salvo/internal/metrics"
	"github.com/yourneighborhoodchef/salvo/internal/ratelimit"
)

var ErrAlreadyRun = errors.New("pool already run")

const DefaultTick = 5 * time.Millisecond

type Options struct {
	Concurrency int
	Deadline    time.Duration
	Policy      Policy
	// Tick is the refill interval for SlidingWindow.
	Tick time.Duration
	// Limiter caps SlidingWindow refills per second. Nil means uncapped.
	Limiter  *ratelimit.TokenJar
	Observer Observer
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Pool has exactly one lifetime: Run may be called once.
type Pool struct {
	redeemer Redeemer
	opts     Options
	slots    *semaphore.Weighted

	ran     atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	winner  atomic.Int64

	dispatched    atomic.Int64
	issued        atomic.Int64
	inFlight      atomic.Int64
	maxInFlight   atomic.Int64
	completed     atomic.Int64
	rejected      atomic.Int64
	networkErrors atomic.Int64
	successes     atomic.Int64

	wg sync.WaitGroup
}

func New(redeemer Redeemer, opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	return &Pool{
		redeemer: redeemer,
		opts:     opts,
		slots:    semaphore.NewWeighted(int64(opts.Concurrency)),
		stopCh:   make(chan struct{}),
	}
}

// Stopped reports whether the pool has reached its terminal state.
func (p *Pool) Stopped() bool {
	return p.stopped.Load()
}

// InFlight is the number of requests awaiting a response.
func (p *Pool) InFlight() int64 {
	return p.inFlight.Load()
}

// Dispatched is the number of requests issued so far.
func (p *Pool) Dispatched() int64 {
	return p.dispatched.Load()
}

// stop makes the one terminal transition. winner is the winning sequence,
// or 0 for the deadline path.
func (p *Pool) stop(winner int64) bool {
	if !p.stopped.CompareAndSwap(false, true) {
		return false
	}
	if winner > 0 {
		p.winner.Store(winner)
	}
	close(p.stopCh)
	return true
}

// Run dispatches until the first success or the deadline, waits for
// in-flight requests to unwind, and returns the outcome. If ctx is
// cancelled first the outcome is TimedOut and ctx's error is returned with
// it.
func (p *Pool) Run(ctx context.Context) (Outcome, error) {
	if !p.ran.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyRun
	}

	start := time.Now()
	deadline := p.opts.Deadline
	if deadline <= 0 {
		deadline = 15 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	p.opts.Logger.Info().
		Int("concurrency", p.opts.Concurrency).
		Stringer("policy", p.opts.Policy).
		Dur("deadline", deadline).
		Msg("burst started")

	p.fill(runCtx, false)

	if p.opts.Policy == SlidingWindow {
		ticker := time.NewTicker(p.opts.Tick)
	loop:
		for {
			select {
			case <-runCtx.Done():
				break loop
			case <-p.stopCh:
				break loop
			case <-ticker.C:
				p.fill(runCtx, true)
			}
		}
		ticker.Stop()
	} else {
		select {
		case <-runCtx.Done():
		case <-p.stopCh:
		}
	}

	p.stop(0)
	// Outstanding requests are abandoned once the outcome is frozen.
	cancel()
	p.wg.Wait()

	out := p.outcome(time.Since(start))
	ev := p.opts.Logger.Info().
		Stringer("outcome", out.Kind).
		Int64("dispatched", out.TotalDispatched).
		Int64("rejected", out.Stats.Rejected).
		Int64("network_errors", out.Stats.NetworkErrors).
		Int64("max_in_flight", out.Stats.MaxInFlight).
		Dur("elapsed", out.Elapsed)
	if out.Succeeded() {
		ev = ev.Int64("sequence", out.Sequence)
	}
	ev.Msg("burst finished")

	if err := ctx.Err(); err != nil && !out.Succeeded() {
		return out, err
	}
	return out, nil
}

// fill tops in-flight up to the target concurrency. Only refills go
// through the limiter; the opening burst is always the full concurrency.
func (p *Pool) fill(ctx context.Context, refill bool) {
	for p.dispatch(ctx, refill) {
	}
}

func (p *Pool) dispatch(ctx context.Context, refill bool) bool {
	if p.stopped.Load() {
		return false
	}
	if !p.slots.TryAcquire(1) {
		return false
	}
	// Re-check right before issuing: a success may have landed while the
	// slot was being taken.
	if p.stopped.Load() {
		p.slots.Release(1)
		return false
	}
	if refill && !p.opts.Limiter.TryTake() {
		p.slots.Release(1)
		return false
	}

	p.dispatched.Add(1)
	n := p.inFlight.Add(1)
	for {
		hi := p.maxInFlight.Load()
		if n <= hi || p.maxInFlight.CompareAndSwap(hi, n) {
			break
		}
	}
	p.opts.Metrics.Dispatched()

	p.wg.Add(1)
	go p.attempt(ctx, time.Now())
	return true
}

func (p *Pool) attempt(ctx context.Context, dispatchedAt time.Time) {
	defer p.wg.Done()

	// Sequence numbers follow the order requests reach the redeemer, not
	// the order goroutines were spawned.
	seq := p.issued.Add(1)
	resp, err := p.redeemer.Redeem(WithSequence(ctx, seq))
	latency := time.Since(dispatchedAt)

	a := Attempt{
		Sequence:     seq,
		DispatchedAt: dispatchedAt,
		Latency:      latency,
		Response:     resp,
		Err:          err,
	}

	switch {
	case err != nil:
		a.Result = NetworkError
		p.networkErrors.Add(1)
	case resp.Authoritative():
		a.Result = Succeeded
		p.successes.Add(1)
	default:
		a.Result = Rejected
		p.rejected.Add(1)
	}

	if a.Result == Succeeded {
		a.Late = !p.stop(seq)
	} else {
		a.Late = p.stopped.Load()
	}

	p.completed.Add(1)
	p.inFlight.Add(-1)
	p.slots.Release(1)
	p.opts.Metrics.Completed(a.Result.String(), latency)

	if p.opts.Observer != nil {
		p.opts.Observer.Attempt(a)
	}
}

func (p *Pool) outcome(elapsed time.Duration) Outcome {
	out := Outcome{
		Kind:            TimedOut,
		TotalDispatched: p.dispatched.Load(),
		Elapsed:         elapsed,
		Stats: Stats{
			Dispatched:    p.dispatched.Load(),
			Completed:     p.completed.Load(),
			Rejected:      p.rejected.Load(),
			NetworkErrors: p.networkErrors.Load(),
			Successes:     p.successes.Load(),
			MaxInFlight:   p.maxInFlight.Load(),
		},
	}
	if w := p.winner.Load(); w > 0 {
		out.Kind = Won
		out.Sequence = w
	}
	return out
}
