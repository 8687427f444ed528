package indexer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourorg/protocol-metrics/internal/circuitbreaker"
	"github.com/yourorg/protocol-metrics/internal/model"
)

// Metrics holds Prometheus collectors for the indexer
type Metrics struct {
	invocations      *prometheus.CounterVec
	duration         prometheus.Histogram
	validationErrors prometheus.Counter
	headBlock        prometheus.Gauge
	nextBlock        prometheus.Gauge
	circuitState     prometheus.Gauge
	values           *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protocol_metrics_invocations_total",
				Help: "Metrics computations by trigger source and result",
			},
			[]string{"source", "result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "protocol_metrics_invocation_duration_seconds",
				Help:    "Duration of one metrics computation in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		validationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "protocol_metrics_validation_errors_total",
				Help: "Saved records that failed sanity checks",
			},
		),
		headBlock: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "protocol_metrics_head_block",
				Help: "Latest confirmed chain head seen by the follower",
			},
		),
		nextBlock: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "protocol_metrics_next_block",
				Help: "Next block the follower will scan",
			},
		),
		circuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "protocol_metrics_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		values: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "protocol_metrics_value",
				Help: "Latest computed protocol metric by field",
			},
			[]string{"field"},
		),
	}

	reg.MustRegister(
		m.invocations,
		m.duration,
		m.validationErrors,
		m.headBlock,
		m.nextBlock,
		m.circuitState,
		m.values,
	)
	return m
}

func (m *Metrics) observeRecord(r *model.DailyMetric) {
	if m == nil || r == nil {
		return
	}
	set := func(field string, v interface{ InexactFloat64() float64 }) {
		m.values.WithLabelValues(field).Set(v.InexactFloat64())
	}
	set("price", r.Price)
	set("market_cap", r.MarketCap)
	set("circulating_supply", r.CirculatingSupply)
	set("total_value_locked", r.TotalValueLocked)
	set("treasury_market_value", r.TreasuryMarketValue)
	set("treasury_risk_free_value", r.TreasuryRiskFreeValue)
	set("owned_liquidity", r.OwnedLiquidity)
	set("current_apy", r.CurrentAPY)
	set("current_runway", r.CurrentRunway)
}

func (m *Metrics) observeInvocation(source, result string, seconds float64) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(source, result).Inc()
	m.duration.Observe(seconds)
}

func (m *Metrics) observeValidationError() {
	if m == nil {
		return
	}
	m.validationErrors.Inc()
}

func (m *Metrics) observeBlocks(head, next uint64) {
	if m == nil {
		return
	}
	m.headBlock.Set(float64(head))
	m.nextBlock.Set(float64(next))
}

func (m *Metrics) observeBreaker(state circuitbreaker.State) {
	if m == nil {
		return
	}
	m.circuitState.Set(float64(state))
}
