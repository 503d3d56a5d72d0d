// Package metrics holds the Prometheus collectors for one run. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Metrics struct {
	registry    *prometheus.Registry
	dispatched  prometheus.Counter
	attempts    *prometheus.CounterVec
	inFlight    prometheus.Gauge
	clockOffset prometheus.Gauge
	probeRTT    prometheus.Gauge
	latency     prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "salvo",
			Name:      "dispatched_total",
			Help:      "Redemption requests issued.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salvo",
			Name:      "attempts_total",
			Help:      "Completed redemption requests by result.",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "salvo",
			Name:      "in_flight",
			Help:      "Redemption requests awaiting a response.",
		}),
		clockOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "salvo",
			Name:      "clock_offset_ms",
			Help:      "Estimated server minus local clock.",
		}),
		probeRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "salvo",
			Name:      "probe_rtt_ms",
			Help:      "Round trip of the catalog probe.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "salvo",
			Name:      "redeem_latency_seconds",
			Help:      "Redemption round trip.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
	m.registry.MustRegister(m.dispatched, m.attempts, m.inFlight, m.clockOffset, m.probeRTT, m.latency)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Dispatched() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
	m.inFlight.Inc()
}

// Completed records one finished attempt. result is the attempt's result
// name.
func (m *Metrics) Completed(result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.attempts.WithLabelValues(result).Inc()
	m.latency.Observe(latency.Seconds())
}

func (m *Metrics) ClockOffset(offsetMillis, rttMillis int64) {
	if m == nil {
		return
	}
	m.clockOffset.Set(float64(offsetMillis))
	m.probeRTT.Set(float64(rttMillis))
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
