// Package metrics exposes the controller's state as Prometheus series.
// Every method is safe on a nil *Registry, so components can run without
// metrics wired.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the allocbot collectors on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	CycleDuration   *prometheus.HistogramVec
	Cycles          *prometheus.CounterVec
	Weights         *prometheus.GaugeVec
	RegimeProb      *prometheus.GaugeVec
	RegimeStale     *prometheus.GaugeVec
	OpenPositions   *prometheus.GaugeVec
	Outcomes        *prometheus.CounterVec
	ExitFailures    *prometheus.CounterVec
	DSR             *prometheus.GaugeVec
	Demoted         *prometheus.GaugeVec
	Halted          *prometheus.GaugeVec
	Equity          *prometheus.GaugeVec
	IntentsOpened   *prometheus.CounterVec
	IntentsSkipped  *prometheus.CounterVec
	SignalErrors    *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	ArchivedRecords prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "allocbot_cycle_duration_seconds",
				Help:    "Duration of one controller cycle",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"instrument"},
		),
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "allocbot_cycles_total", Help: "Controller cycles run"},
			[]string{"instrument"},
		),
		Weights: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "allocbot_allocation_weight", Help: "Current allocation weight per strategy"},
			[]string{"instrument", "strategy"},
		),
		RegimeProb: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "allocbot_regime_probability", Help: "Current regime probability"},
			[]string{"instrument", "regime"},
		),
		RegimeStale: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "allocbot_regime_stale", Help: "1 when the regime state is stale"},
			[]string{"instrument"},
		),
		OpenPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "allocbot_open_positions", Help: "Open positions"},
			[]string{"instrument"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "allocbot_trade_outcomes_total", Help: "Closed trades by barrier"},
			[]string{"instrument", "strategy", "barrier"},
		),
		ExitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "allocbot_exit_failures_total", Help: "Failed exit submissions"},
			[]string{"instrument"},
		),
		DSR: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "allocbot_deflated_sharpe", Help: "Deflated Sharpe ratio per strategy"},
			[]string{"instrument", "strategy"},
		),
		Demoted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "allocbot_strategy_demoted", Help: "1 when the strategy is demoted"},
			[]string{"instrument", "strategy"},
		),
		Halted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "allocbot_instrument_halted", Help: "1 when entries are halted"},
			[]string{"instrument"},
		),
		Equity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "allocbot_equity", Help: "Tracked account equity"},
			[]string{"instrument"},
		),
		IntentsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "allocbot_intents_opened_total", Help: "Intents that opened a position"},
			[]string{"instrument"},
		),
		IntentsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "allocbot_intents_skipped_total", Help: "Intents dropped by the queue"},
			[]string{"instrument"},
		),
		SignalErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "allocbot_signal_errors_total", Help: "Signal provider failures"},
			[]string{"instrument", "strategy"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "allocbot_http_requests_total", Help: "API requests by route and status"},
			[]string{"method", "path", "status"},
		),
		ArchivedRecords: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "allocbot_archived_positions_total", Help: "Positions exported to cold storage"},
		),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CycleDuration, m.Cycles, m.Weights, m.RegimeProb, m.RegimeStale,
		m.OpenPositions, m.Outcomes, m.ExitFailures, m.DSR, m.Demoted,
		m.Halted, m.Equity, m.IntentsOpened, m.IntentsSkipped, m.SignalErrors,
		m.HTTPRequests, m.ArchivedRecords,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gatherer exposes the underlying registry, e.g. for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}

// ObserveCycle records one controller cycle.
func (m *Registry) ObserveCycle(instrument string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(instrument).Inc()
	m.CycleDuration.WithLabelValues(instrument).Observe(d.Seconds())
}

// SetWeights publishes an allocation.
func (m *Registry) SetWeights(instrument string, weights map[string]float64) {
	if m == nil {
		return
	}
	for id, w := range weights {
		m.Weights.WithLabelValues(instrument, id).Set(w)
	}
}

// SetRegime publishes regime probabilities and staleness.
func (m *Registry) SetRegime(instrument string, regimes []string, probs []float64, stale bool) {
	if m == nil {
		return
	}
	for i, name := range regimes {
		if i < len(probs) {
			m.RegimeProb.WithLabelValues(instrument, name).Set(probs[i])
		}
	}
	m.RegimeStale.WithLabelValues(instrument).Set(boolGauge(stale))
}

// SetOpenPositions publishes the open position count.
func (m *Registry) SetOpenPositions(instrument string, n int) {
	if m == nil {
		return
	}
	m.OpenPositions.WithLabelValues(instrument).Set(float64(n))
}

// RecordOutcome counts a closed trade.
func (m *Registry) RecordOutcome(instrument, strategy, barrier string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(instrument, strategy, barrier).Inc()
}

// AddExitFailures counts failed exit submissions.
func (m *Registry) AddExitFailures(instrument string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExitFailures.WithLabelValues(instrument).Add(float64(n))
}

// SetStrategy publishes a strategy's DSR (when defined) and demotion flag.
func (m *Registry) SetStrategy(instrument, strategy string, dsr float64, dsrDefined, demoted bool) {
	if m == nil {
		return
	}
	if dsrDefined {
		m.DSR.WithLabelValues(instrument, strategy).Set(dsr)
	} else {
		m.DSR.DeleteLabelValues(instrument, strategy)
	}
	m.Demoted.WithLabelValues(instrument, strategy).Set(boolGauge(demoted))
}

// SetHalted publishes the halt flag.
func (m *Registry) SetHalted(instrument string, halted bool) {
	if m == nil {
		return
	}
	m.Halted.WithLabelValues(instrument).Set(boolGauge(halted))
}

// SetEquity publishes tracked equity.
func (m *Registry) SetEquity(instrument string, equity float64) {
	if m == nil {
		return
	}
	m.Equity.WithLabelValues(instrument).Set(equity)
}

// RecordDrain counts queue drain results.
func (m *Registry) RecordDrain(instrument string, opened, skipped int) {
	if m == nil {
		return
	}
	m.IntentsOpened.WithLabelValues(instrument).Add(float64(opened))
	m.IntentsSkipped.WithLabelValues(instrument).Add(float64(skipped))
}

// RecordSignalError counts a provider failure.
func (m *Registry) RecordSignalError(instrument, strategy string) {
	if m == nil {
		return
	}
	m.SignalErrors.WithLabelValues(instrument, strategy).Inc()
}

// RecordHTTP counts an API request.
func (m *Registry) RecordHTTP(method, path, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
}

// AddArchived counts archived positions.
func (m *Registry) AddArchived(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ArchivedRecords.Add(float64(n))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
