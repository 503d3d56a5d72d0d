// Package catalog fetches the sale listing once, timing the round trip so
// the clock offset can be derived from it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourneighborhoodchef/salvo/internal/client"
	"github.com/yourneighborhoodchef/salvo/internal/clocksync"
	"github.com/yourneighborhoodchef/salvo/internal/retry"
)

// ErrProbeUnavailable is the parent of every probe failure. Scheduling
// cannot proceed without a probe.
var ErrProbeUnavailable = errors.New("catalog probe unavailable")

var (
	ErrNotFound  = fmt.Errorf("%w: item not listed", ErrProbeUnavailable)
	ErrNetwork   = fmt.Errorf("%w: network", ErrProbeUnavailable)
	ErrMalformed = fmt.Errorf("%w: malformed listing", ErrProbeUnavailable)
)

// Entry identifies the item to acquire.
type Entry struct {
	ItemCode string
	Handle   string
	Name     string
}

// Lister is satisfied by *client.Session.
type Lister interface {
	List(ctx context.Context, saleID string, loc *time.Location) (*client.Listing, error)
}

// Recoverer is implemented by listers that can change identity after a
// transport failure, as *client.Session does.
type Recoverer interface {
	Recover() error
}

type Options struct {
	ItemCode string
	Location *time.Location
	Retry    retry.Policy
	Logger   zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Probe struct {
	lister Lister
	opts   Options
}

func NewProbe(lister Lister, opts Options) *Probe {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Probe{lister: lister, opts: opts}
}

type sample struct {
	listing    *client.Listing
	sentAt     int64
	receivedAt int64
}

// Fetch lists the sale and returns the target entry with the observed
// window. Transport failures are retried per the policy; each retry is a
// fresh sample and only the successful one is kept.
func (p *Probe) Fetch(ctx context.Context, saleID string) (Entry, clocksync.Window, error) {
	s, err := retry.Do(ctx, p.opts.Retry, func(ctx context.Context) (sample, error) {
		sent := p.opts.Now().UnixMilli()
		l, err := p.lister.List(ctx, saleID, p.opts.Location)
		received := p.opts.Now().UnixMilli()
		if err != nil {
			if errors.Is(err, client.ErrTransport) {
				if r, ok := p.lister.(Recoverer); ok {
					if rerr := r.Recover(); rerr != nil {
						return sample{}, retry.Permanent(fmt.Errorf("%w (after %v)", rerr, err))
					}
				}
				return sample{}, err
			}
			return sample{}, retry.Permanent(err)
		}
		return sample{listing: l, sentAt: sent, receivedAt: received}, nil
	}, func(attempt uint, err error, wait time.Duration) {
		p.opts.Logger.Warn().
			Err(err).
			Uint("attempt", attempt).
			Dur("wait", wait).
			Msg("catalog probe failed, retrying")
	})
	if err != nil {
		switch {
		case errors.Is(err, client.ErrProxyBlocked):
			return Entry{}, clocksync.Window{}, fmt.Errorf("%w: %w", ErrNetwork, err)
		case errors.Is(err, client.ErrTransport):
			return Entry{}, clocksync.Window{}, fmt.Errorf("%w: %v", ErrNetwork, err)
		case errors.Is(err, client.ErrMalformedResponse):
			return Entry{}, clocksync.Window{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		default:
			return Entry{}, clocksync.Window{}, fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
		}
	}

	item, ok := s.listing.Find(p.opts.ItemCode)
	if !ok {
		return Entry{}, clocksync.Window{}, fmt.Errorf("%w: %s among %d items", ErrNotFound, p.opts.ItemCode, len(s.listing.Items))
	}
	if item.AccessID == "" {
		return Entry{}, clocksync.Window{}, fmt.Errorf("%w: %s has no acquisition handle", ErrMalformed, item.SkuCode)
	}

	entry := Entry{ItemCode: item.SkuCode, Handle: item.AccessID, Name: item.Title}
	window := clocksync.Window{
		ServerTime:     s.listing.CurrentTime,
		ScheduledStart: s.listing.ActivityBeginTime,
		SentAt:         s.sentAt,
		ReceivedAt:     s.receivedAt,
	}

	p.opts.Logger.Debug().
		Str("item", entry.ItemCode).
		Str("name", entry.Name).
		Int64("rtt_ms", window.RTT()).
		Msg("catalog probe complete")

	return entry, window, nil
}
