package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"alma.local/fuzz/internal/stats"
)

// Monitor serves /metrics (Prometheus) and /stats (the latest snapshot as
// JSON) on a dedicated listener.
type Monitor struct {
	reg *prometheus.Registry
	log *logrus.Logger

	mu     sync.Mutex
	srv    *http.Server
	closed bool

	execs      prometheus.Counter
	objectives *prometheus.CounterVec
	ioFailures prometheus.Counter
	corpusSize prometheus.Gauge
	coverage   prometheus.Gauge
	snapshot   func() stats.Snapshot
}

// NewMonitor builds the metric set on a private registry. snapshot is
// called on every /stats request.
func NewMonitor(log *logrus.Logger, snapshot func() stats.Snapshot) *Monitor {
	m := &Monitor{
		reg:      prometheus.NewRegistry(),
		log:      log,
		snapshot: snapshot,
		execs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuzz_execs_total",
			Help: "Target executions completed.",
		}),
		objectives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzz_objectives_total",
			Help: "Unique objectives found, by status class.",
		}, []string{"status"}),
		ioFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuzz_io_failures_total",
			Help: "Failed corpus or artifact writes.",
		}),
		corpusSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fuzz_corpus_entries",
			Help: "Live corpus entries.",
		}),
		coverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fuzz_coverage_slots",
			Help: "Coverage map slots hit at least once.",
		}),
	}
	m.reg.MustRegister(m.execs, m.objectives, m.ioFailures, m.corpusSize, m.coverage)
	return m
}

// Observe folds one bus event into the metric set.
func (m *Monitor) Observe(ev Event) {
	switch ev.Kind {
	case KindExec:
		m.execs.Add(float64(ev.Count))
	case KindObjective:
		m.objectives.WithLabelValues(ev.Status.String()).Inc()
	case KindIOFailure:
		m.ioFailures.Inc()
	}
}

// SetGauges refreshes the slow-moving gauges, typically on the hub tick.
func (m *Monitor) SetGauges(corpusSize, coverageSlots int) {
	m.corpusSize.Set(float64(corpusSize))
	m.coverage.Set(float64(coverageSlots))
}

// Handler returns the monitor mux, compressed for remote scrapers.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.snapshot()); err != nil {
			m.log.WithError(err).Warn("encode stats response")
		}
	})
	return handlers.CompressHandler(mux)
}

// Serve runs the HTTP listener until Shutdown. A failed listen is logged,
// not fatal: monitoring is an auxiliary surface. A Serve that loses the
// race against Shutdown never starts listening.
func (m *Monitor) Serve(addr string) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: m.Handler()}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.srv = srv
	m.mu.Unlock()

	m.log.WithField("addr", addr).Info("monitor listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		m.log.WithError(err).Warn("monitor server stopped")
	}
}

// Shutdown stops the listener, waiting briefly for in-flight scrapes.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	m.closed = true
	srv := m.srv
	m.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
