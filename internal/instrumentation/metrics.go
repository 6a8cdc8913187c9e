package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics of the footprint services.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TradesReceived  *prometheus.CounterVec
	TradeOutcomes   *prometheus.CounterVec
	TradesPersisted prometheus.Counter
	Cells           *prometheus.GaugeVec
	ViewLatencyMs   prometheus.Histogram
	RebuildLatency  prometheus.Histogram
	FeedReconnects  *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TradesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "footprint_trades_received_total",
			Help: "Raw trade rows received, by source",
		}, []string{"source"}),

		TradeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "footprint_trade_outcomes_total",
			Help: "Trades by symbol and absorb outcome",
		}, []string{"symbol", "outcome"}),

		TradesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "footprint_trades_persisted_total",
			Help: "Trades newly written to the trade log",
		}),

		Cells: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "footprint_cells",
			Help: "Occupied footprint cells per symbol",
		}, []string{"symbol"}),

		ViewLatencyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "footprint_view_latency_ms",
			Help:    "Time to export a footprint view in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
		}),

		RebuildLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "footprint_rebuild_seconds",
			Help:    "Duration of lookback rebuilds from the trade log",
			Buckets: prometheus.DefBuckets,
		}),

		FeedReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "footprint_feed_reconnects_total",
			Help: "Trade source reconnect attempts",
		}, []string{"source"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "footprint_errors_total",
			Help: "Errors by component and type",
		}, []string{"component", "error_type"}),
	}
}

func (m *Metrics) RecordReceived(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TradesReceived.WithLabelValues(source).Add(float64(n))
}

// RecordOutcome adds n trades of the given outcome for symbol.
func (m *Metrics) RecordOutcome(symbol, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TradeOutcomes.WithLabelValues(symbol, outcome).Add(float64(n))
}

func (m *Metrics) RecordPersisted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TradesPersisted.Add(float64(n))
}

func (m *Metrics) SetCells(symbol string, n int) {
	if m == nil {
		return
	}
	m.Cells.WithLabelValues(symbol).Set(float64(n))
}

func (m *Metrics) RecordViewLatency(ms float64) {
	if m == nil {
		return
	}
	m.ViewLatencyMs.Observe(ms)
}

func (m *Metrics) RecordRebuild(seconds float64) {
	if m == nil {
		return
	}
	m.RebuildLatency.Observe(seconds)
}

func (m *Metrics) RecordReconnect(source string) {
	if m == nil {
		return
	}
	m.FeedReconnects.WithLabelValues(source).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
