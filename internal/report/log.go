package report

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/yourneighborhoodchef/salvo/internal/acquire"
)

// LogReporter writes progress lines and a periodic attempt heartbeat.
type LogReporter struct {
	logger zerolog.Logger
	every  int64
	seen   atomic.Int64
}

// NewLogReporter logs every attempt at debug and, when every > 0, a
// heartbeat at info every N completions.
func NewLogReporter(logger zerolog.Logger, every int64) *LogReporter {
	return &LogReporter{logger: logger, every: every}
}

func (r *LogReporter) Progress(line string) {
	r.logger.Info().Msg(line)
}

func (r *LogReporter) Attempt(a acquire.Attempt) {
	n := r.seen.Add(1)

	if a.Result == acquire.Succeeded && !a.Late {
		r.logger.Info().
			Int64("sequence", a.Sequence).
			Dur("latency", a.Latency).
			Str("server_message", a.Response.Message).
			Msg("redemption accepted")
		return
	}

	ev := r.logger.Debug()
	if a.Err != nil {
		ev = ev.Err(a.Err)
	}
	ev.Int64("sequence", a.Sequence).
		Stringer("result", a.Result).
		Int64("code", a.Response.Code).
		Str("server_message", a.Response.Message).
		Dur("latency", a.Latency).
		Bool("late", a.Late).
		Msg("attempt")

	if r.every > 0 && n%r.every == 0 {
		r.logger.Info().Int64("completed", n).Msg("still firing")
	}
}

func (r *LogReporter) Finish(_ context.Context, s Summary) error {
	ev := r.logger.Info()
	if !s.Succeeded {
		ev = r.logger.Warn()
	}
	ev.Str("run_id", s.RunID).
		Bool("succeeded", s.Succeeded).
		Int64("dispatched", s.Dispatched).
		Int64("rejected", s.Stats.Rejected).
		Int64("network_errors", s.Stats.NetworkErrors).
		Dur("elapsed", s.FinishedAt.Sub(s.StartedAt)).
		Msg(s.Headline())
	return nil
}
