// Package report surfaces progress and the final outcome of a run. Sinks
// are passed explicitly; there is no process-wide log buffer.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourneighborhoodchef/salvo/internal/acquire"
)

// Reporter observes a run.
type Reporter interface {
	acquire.Observer
	Progress(line string)
	Finish(ctx context.Context, s Summary) error
}

// Summary is handed to every sink once the run has an outcome.
type Summary struct {
	RunID        string          `json:"run_id"`
	SaleID       string          `json:"sale_id"`
	ItemCode     string          `json:"item_code"`
	ItemName     string          `json:"item_name,omitempty"`
	Succeeded    bool            `json:"succeeded"`
	Sequence     int64           `json:"sequence,omitempty"`
	Dispatched   int64           `json:"dispatched"`
	Stats        acquire.Stats   `json:"stats"`
	OffsetMillis int64           `json:"offset_ms"`
	Degenerate   bool            `json:"clock_degenerate,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Lines        []string        `json:"lines,omitempty"`
	Outcome      acquire.Outcome `json:"-"`
}

// Headline is the one-line verdict.
func (s Summary) Headline() string {
	if s.Succeeded {
		return fmt.Sprintf("acquired %s on attempt %d after %d dispatched", s.ItemCode, s.Sequence, s.Dispatched)
	}
	return fmt.Sprintf("timed out after %d attempts, no success", s.Dispatched)
}

// Title is used by sinks that need a subject line.
func (s Summary) Title() string {
	return "salvo run summary"
}

// Text renders the summary for chat-style sinks.
func (s Summary) Text() string {
	var b strings.Builder
	b.WriteString(s.Headline())
	b.WriteByte('\n')
	fmt.Fprintf(&b, "sale %s item %s", s.SaleID, s.ItemCode)
	if s.ItemName != "" {
		fmt.Fprintf(&b, " (%s)", s.ItemName)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "clock offset %dms", s.OffsetMillis)
	if s.Degenerate {
		b.WriteString(" (degenerate, assumed 0)")
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "rejected %d, network errors %d, max in flight %d",
		s.Stats.Rejected, s.Stats.NetworkErrors, s.Stats.MaxInFlight)
	for _, l := range s.Lines {
		b.WriteByte('\n')
		b.WriteString(l)
	}
	return b.String()
}

// Multi fans out to several reporters. A failing sink never stops the
// others.
type Multi struct {
	reporters []Reporter
	logger    zerolog.Logger
}

func NewMulti(logger zerolog.Logger, reporters ...Reporter) *Multi {
	var rs []Reporter
	for _, r := range reporters {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return &Multi{reporters: rs, logger: logger}
}

func (m *Multi) Add(r Reporter) {
	if r != nil {
		m.reporters = append(m.reporters, r)
	}
}

func (m *Multi) Attempt(a acquire.Attempt) {
	for _, r := range m.reporters {
		r.Attempt(a)
	}
}

func (m *Multi) Progress(line string) {
	for _, r := range m.reporters {
		r.Progress(line)
	}
}

// Finish delivers to every sink concurrently and joins their errors.
func (m *Multi) Finish(ctx context.Context, s Summary) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, r := range m.reporters {
		g.Go(func() error {
			if err := r.Finish(ctx, s); err != nil {
				m.logger.Warn().Err(err).Str("sink", fmt.Sprintf("%T", r)).Msg("report sink failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Buffer collects progress lines for the summary.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	limit int
}

// NewBuffer keeps at most limit lines; older lines are dropped.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 200
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Attempt(acquire.Attempt) {}

func (b *Buffer) Progress(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
}

func (b *Buffer) Finish(context.Context, Summary) error { return nil }

func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
