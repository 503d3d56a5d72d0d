package acquire

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yourneighborhoodchef/salvo/internal/client"
)

// Policy selects how the pool keeps requests in flight.
type Policy int

const (
	// FixedBurst dispatches the target concurrency once and never refills.
	FixedBurst Policy = iota
	// SlidingWindow refills free slots on every tick until stopped.
	SlidingWindow
)

func (p Policy) String() string {
	switch p {
	case FixedBurst:
		return "fixed-burst"
	case SlidingWindow:
		return "sliding-window"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed-burst", "fixed", "burst":
		return FixedBurst, nil
	case "sliding-window", "sliding", "window":
		return SlidingWindow, nil
	}
	return 0, fmt.Errorf("unknown dispatch policy %q", s)
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Result of one attempt.
type Result int

const (
	Pending Result = iota
	Rejected
	Succeeded
	NetworkError
)

func (r Result) String() string {
	switch r {
	case Pending:
		return "pending"
	case Rejected:
		return "rejected"
	case Succeeded:
		return "succeeded"
	case NetworkError:
		return "network_error"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Attempt describes one redemption request.
type Attempt struct {
	Sequence     int64
	DispatchedAt time.Time
	Result       Result
	Latency      time.Duration
	Response     client.RedeemResult
	Err          error
	// Late is set when the pool had already stopped when this attempt
	// completed; it cannot affect the outcome.
	Late bool
}

// Redeemer is satisfied by a bound *client.Session.
type Redeemer interface {
	Redeem(ctx context.Context) (client.RedeemResult, error)
}

// RedeemFunc adapts a function to Redeemer.
type RedeemFunc func(ctx context.Context) (client.RedeemResult, error)

func (f RedeemFunc) Redeem(ctx context.Context) (client.RedeemResult, error) { return f(ctx) }

// Observer receives every completed attempt. It is called concurrently.
type Observer interface {
	Attempt(Attempt)
}

// OutcomeKind is the terminal state of the pool.
type OutcomeKind int

const (
	TimedOut OutcomeKind = iota
	Won
)

func (k OutcomeKind) String() string {
	if k == Won {
		return "succeeded"
	}
	return "timed_out"
}

// Stats are counters sampled when the pool finished.
type Stats struct {
	Dispatched    int64
	Completed     int64
	Rejected      int64
	NetworkErrors int64
	Successes     int64
	MaxInFlight   int64
}

// Outcome is Succeeded{Sequence} when Kind is Won and
// TimedOut{TotalDispatched} otherwise.
type Outcome struct {
	Kind            OutcomeKind
	Sequence        int64
	TotalDispatched int64
	Elapsed         time.Duration
	Stats           Stats
}

func (o Outcome) Succeeded() bool { return o.Kind == Won }

func (o Outcome) String() string {
	if o.Kind == Won {
		return fmt.Sprintf("Succeeded{sequence=%d}", o.Sequence)
	}
	return fmt.Sprintf("TimedOut{dispatched=%d}", o.TotalDispatched)
}

type seqKey struct{}

// WithSequence tags ctx with the attempt sequence number.
func WithSequence(ctx context.Context, seq int64) context.Context {
	return context.WithValue(ctx, seqKey{}, seq)
}

// SequenceFromContext returns the sequence number of the attempt ctx
// belongs to.
func SequenceFromContext(ctx context.Context) (int64, bool) {
	seq, ok := ctx.Value(seqKey{}).(int64)
	return seq, ok
}
