// Package metrics exposes engine counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds every collector the engine updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticks         prometheus.Counter
	tickSkips     *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	opportunities *prometheus.CounterVec
	orders        *prometheus.CounterVec
	hedges        *prometheus.CounterVec
	exposure      prometheus.Counter
	available     prometheus.Gauge
	deployed      prometheus.Gauge
	openPositions prometheus.Gauge
	ledgerRecords prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "windowarb",
			Name:      "ticks_total",
			Help:      "Set evaluations run by the fast tick.",
		}),
		tickSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "windowarb",
			Name:      "tick_skips_total",
			Help:      "Set evaluations that produced no order, by reason.",
		}, []string{"reason"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "windowarb",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one fast tick across all sets.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "windowarb",
			Name:      "opportunities_total",
			Help:      "Detected opportunities.",
		}, []string{"kind", "direction"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "windowarb",
			Name:      "orders_terminal_total",
			Help:      "Orders that reached a terminal state.",
		}, []string{"state"}),
		hedges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "windowarb",
			Name:      "hedges_total",
			Help:      "Compensating orders by result.",
		}, []string{"result"}),
		exposure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "windowarb",
			Name:      "exposure_alerts_total",
			Help:      "Positions halted with unhedged exposure.",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "windowarb",
			Name:      "bankroll_available",
			Help:      "Capital available for new orders.",
		}),
		deployed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "windowarb",
			Name:      "bankroll_exposure",
			Help:      "Filled capital awaiting settlement.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "windowarb",
			Name:      "open_positions",
			Help:      "Unresolved positions.",
		}),
		ledgerRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "windowarb",
			Name:      "ledger_records_total",
			Help:      "Performance records appended.",
		}),
	}
	m.registry.MustRegister(
		m.ticks, m.tickSkips, m.tickDuration, m.opportunities, m.orders,
		m.hedges, m.exposure, m.available, m.deployed, m.openPositions, m.ledgerRecords,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) SetEvaluated() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

func (m *Metrics) Skip(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.tickSkips.WithLabelValues(reason).Inc()
}

func (m *Metrics) Opportunity(kind, direction string) {
	if m == nil {
		return
	}
	m.opportunities.WithLabelValues(kind, direction).Inc()
}

func (m *Metrics) OrderTerminal(state string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(state).Inc()
}

func (m *Metrics) Hedge(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.hedges.WithLabelValues(result).Inc()
}

func (m *Metrics) ExposureAlert() {
	if m == nil {
		return
	}
	m.exposure.Inc()
}

func (m *Metrics) LedgerRecord() {
	if m == nil {
		return
	}
	m.ledgerRecords.Inc()
}

// Bankroll updates the bankroll gauges.
func (m *Metrics) Bankroll(available, exposure decimal.Decimal) {
	if m == nil {
		return
	}
	m.available.Set(available.InexactFloat64())
	m.deployed.Set(exposure.InexactFloat64())
}

func (m *Metrics) OpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}
