// Package agent runs one acquisition end to end: probe the sale, estimate
// the clock offset, arm the fire timer, burst, and report.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourneighborhoodchef/salvo/internal/acquire"
	"github.com/yourneighborhoodchef/salvo/internal/catalog"
	"github.com/yourneighborhoodchef/salvo/internal/client"
	"github.com/yourneighborhoodchef/salvo/internal/clocksync"
	"github.com/yourneighborhoodchef/salvo/internal/config"
	"github.com/yourneighborhoodchef/salvo/internal/metrics"
	"github.com/yourneighborhoodchef/salvo/internal/ratelimit"
	"github.com/yourneighborhoodchef/salvo/internal/report"
	"github.com/yourneighborhoodchef/salvo/internal/schedule"
)

// ErrCutoff is returned when the configured exit time passes mid-run.
var ErrCutoff = errors.New("exit cutoff reached")

// Backend is satisfied by *client.Session.
type Backend interface {
	catalog.Lister
	Redeem(ctx context.Context, handle, saleID string) (client.RedeemResult, error)
	RedeemPayload(handle, saleID string) any
}

type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Sinks receive the summary in addition to the log.
	Sinks []report.Reporter
	// Clock defaults to schedule.RealClock.
	Clock schedule.Clock
	// RunID defaults to a random UUID.
	RunID string
}

type Agent struct {
	cfg     *config.Config
	backend Backend
	logger  zerolog.Logger
	metrics *metrics.Metrics
	clock   schedule.Clock
	runID   string

	buffer *report.Buffer
	report *report.Multi
	cutoff func(now time.Time) (time.Time, bool)
}

func New(cfg *config.Config, backend Backend, opts Options) *Agent {
	clock := opts.Clock
	if clock == nil {
		clock = schedule.RealClock
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := opts.Logger.With().Str("run_id", runID).Logger()

	buffer := report.NewBuffer(0)
	multi := report.NewMulti(logger, buffer, report.NewLogReporter(logger, cfg.Log.Every))
	for _, s := range opts.Sinks {
		multi.Add(s)
	}

	return &Agent{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		metrics: opts.Metrics,
		clock:   clock,
		runID:   runID,
		buffer:  buffer,
		report:  multi,
		cutoff:  cfg.ExitDeadline,
	}
}

func (a *Agent) RunID() string {
	return a.runID
}

// Result describes a finished run.
type Result struct {
	Entry    catalog.Entry
	Estimate clocksync.Estimate
	Plan     schedule.Plan
	Outcome  acquire.Outcome
	Summary  report.Summary
}

func (a *Agent) progress(format string, args ...any) {
	a.report.Progress(fmt.Sprintf(format, args...))
}

// probe fetches the listing once and derives the clock estimate from it.
func (a *Agent) probe(ctx context.Context) (catalog.Entry, clocksync.Window, clocksync.Estimate, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return catalog.Entry{}, clocksync.Window{}, clocksync.Estimate{}, fmt.Errorf("load time zone: %w", err)
	}

	p := catalog.NewProbe(a.backend, catalog.Options{
		ItemCode: a.cfg.Sale.ItemCode,
		Location: loc,
		Retry:    a.cfg.RetryPolicy(),
		Logger:   a.logger,
		Now:      a.clock.Now,
	})
	entry, window, err := p.Fetch(ctx, a.cfg.Sale.ID)
	if err != nil {
		return catalog.Entry{}, clocksync.Window{}, clocksync.Estimate{}, err
	}

	est := clocksync.Compute(window, a.cfg.Clock.MaxRTT)
	a.metrics.ClockOffset(est.OffsetMillis, est.RTTMillis)
	if est.Degenerate {
		a.logger.Warn().
			Int64("rtt_ms", est.RTTMillis).
			Str("reason", est.Reason).
			Msg("clock estimate degenerate, assuming zero offset")
	}

	a.progress("found %s (%s), server starts at %s, offset %dms, rtt %dms",
		entry.ItemCode, entry.Name,
		time.UnixMilli(window.ScheduledStart).In(loc).Format("2006-01-02 15:04:05.000"),
		est.OffsetMillis, est.RTTMillis)
	return entry, window, est, nil
}

func (a *Agent) logPayload(entry catalog.Entry) {
	raw, err := json.Marshal(a.backend.RedeemPayload(entry.Handle, a.cfg.Sale.ID))
	if err != nil {
		a.logger.Warn().Err(err).Msg("encode redeem payload")
		return
	}
	a.logger.Info().RawJSON("payload", raw).Msg("redeem payload")
}

func (a *Agent) redeemer(entry catalog.Entry) acquire.Redeemer {
	saleID := a.cfg.Sale.ID
	return acquire.RedeemFunc(func(ctx context.Context) (client.RedeemResult, error) {
		return a.backend.Redeem(ctx, entry.Handle, saleID)
	})
}

func (a *Agent) withCutoff(ctx context.Context) (context.Context, context.CancelFunc) {
	at, ok := a.cutoff(a.clock.Now())
	if !ok {
		return context.WithCancel(ctx)
	}
	a.logger.Info().Time("exit_at", at).Msg("hard cutoff armed")
	return context.WithDeadlineCause(ctx, at, ErrCutoff)
}

// Run performs one acquisition. A probe failure aborts before anything is
// scheduled and wraps catalog.ErrProbeUnavailable. A timed-out burst is
// not an error; cancellation or the exit cutoff is.
func (a *Agent) Run(ctx context.Context) (Result, error) {
	started := a.clock.Now()
	ctx, cancel := a.withCutoff(ctx)
	defer cancel()

	a.progress("probing sale %s for %s", a.cfg.Sale.ID, a.cfg.Sale.ItemCode)
	entry, window, est, err := a.probe(ctx)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		return Result{}, err
	}
	res := Result{Entry: entry, Estimate: est}
	a.logPayload(entry)

	pool := acquire.New(a.redeemer(entry), acquire.Options{
		Concurrency: a.cfg.Burst.Concurrency,
		Deadline:    a.cfg.Burst.Deadline,
		Policy:      a.cfg.Policy(),
		Tick:        a.cfg.Burst.Tick,
		Limiter:     a.limiter(),
		Observer:    a.report,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})

	var (
		out    acquire.Outcome
		runErr error
	)
	sched := schedule.New(a.clock)
	plan, err := sched.Arm(window, est.OffsetMillis, a.cfg.Burst.Lead, func() {
		out, runErr = pool.Run(ctx)
	})
	if err != nil {
		return res, err
	}
	res.Plan = plan
	if plan.Immediate {
		a.progress("sale starts in %s, inside lead %s: firing now", plan.TimeLeft.Round(time.Millisecond), plan.Lead)
	} else {
		a.progress("armed: firing at %s, in %s", plan.FireAt.Format("15:04:05.000"), plan.Delay.Round(time.Millisecond))
	}

	if err := sched.Wait(ctx); err != nil {
		if sched.Stop() {
			a.progress("cancelled before firing")
			runErr = err
		} else {
			<-sched.Done()
		}
	}
	if runErr != nil {
		if cause := context.Cause(ctx); cause != nil {
			runErr = cause
		}
	}

	res.Outcome = out
	res.Summary = a.summary(entry, est, out, started)

	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelFinish()
	_ = a.report.Finish(finishCtx, res.Summary)

	return res, runErr
}

func (a *Agent) limiter() *ratelimit.TokenJar {
	burst := a.cfg.Burst.RateBurst
	if burst <= 0 {
		burst = a.cfg.Burst.Concurrency
	}
	return ratelimit.NewTokenJar(a.cfg.Burst.MaxRPS, burst)
}

func (a *Agent) summary(entry catalog.Entry, est clocksync.Estimate, out acquire.Outcome, started time.Time) report.Summary {
	s := report.Summary{
		RunID:        a.runID,
		SaleID:       a.cfg.Sale.ID,
		ItemCode:     entry.ItemCode,
		ItemName:     entry.Name,
		Succeeded:    out.Succeeded(),
		Dispatched:   out.TotalDispatched,
		Stats:        out.Stats,
		OffsetMillis: est.OffsetMillis,
		Degenerate:   est.Degenerate,
		StartedAt:    started,
		FinishedAt:   a.clock.Now(),
		Lines:        a.buffer.Lines(),
		Outcome:      out,
	}
	if out.Succeeded() {
		s.Sequence = out.Sequence
	}
	return s
}

// CheckResult is what a dry run learned.
type CheckResult struct {
	Entry    catalog.Entry
	Window   clocksync.Window
	Estimate clocksync.Estimate
	Plan     schedule.Plan
	// Redeem is set when a test redemption was sent.
	Redeem *client.RedeemResult
}

// Check probes and plans without arming anything. With testRedeem it also
// sends a single redemption, which before the sale opens is expected to be
// rejected but proves the session is accepted.
func (a *Agent) Check(ctx context.Context, testRedeem bool) (CheckResult, error) {
	entry, window, est, err := a.probe(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	res := CheckResult{
		Entry:    entry,
		Window:   window,
		Estimate: est,
		Plan:     schedule.NewPlan(window, est.OffsetMillis, a.cfg.Burst.Lead, a.clock.Now()),
	}
	a.logPayload(entry)

	if !testRedeem {
		return res, nil
	}
	r, err := a.redeemer(entry).Redeem(ctx)
	if err != nil {
		return res, fmt.Errorf("test redemption: %w", err)
	}
	a.logger.Info().
		Int("status", r.HTTPStatus).
		Int64("code", r.Code).
		Bool("success", r.Success).
		Str("server_message", r.Message).
		Msg("test redemption answered")
	res.Redeem = &r
	return res, nil
}
