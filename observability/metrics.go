package observability

import (
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	savingsMetricsOnce sync.Once
	savingsRegistry    *SavingsMetrics
)

// SavingsMetrics captures metrics for the savings pool engine.
type SavingsMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	pool     *prometheus.GaugeVec
	epochs   *prometheus.GaugeVec
	inFlight *prometheus.GaugeVec
	rates    *prometheus.GaugeVec
}

// Savings returns the singleton metrics registry for the savings engine.
func Savings() *SavingsMetrics {
	savingsMetricsOnce.Do(func() {
		savingsRegistry = &SavingsMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "savings",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of savings engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "savings",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for savings engine operations, remote calls included.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "savings",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of savings engine failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			pool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "savings",
				Subsystem: "pool",
				Name:      "amount",
				Help:      "Pool aggregates in stablecoin base units.",
			}, []string{"aggregate"}),
			epochs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "savings",
				Subsystem: "harvest",
				Name:      "last_epoch",
				Help:      "Last epoch in which each harvest step completed.",
			}, []string{"step"}),
			inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "savings",
				Subsystem: "harvest",
				Name:      "in_flight",
				Help:      "Whether a harvest remote call is outstanding (1) or not (0).",
			}, []string{"step"}),
			rates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "savings",
				Subsystem: "pool",
				Name:      "rate",
				Help:      "Current utilisation and interest rates as fractions of 1.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			savingsRegistry.requests,
			savingsRegistry.latency,
			savingsRegistry.errors,
			savingsRegistry.pool,
			savingsRegistry.epochs,
			savingsRegistry.inFlight,
			savingsRegistry.rates,
		)
	})
	return savingsRegistry
}

// Observe records the outcome and duration of an engine operation. The error
// reason label uses the innermost wrapped error to keep cardinality bounded.
func (m *SavingsMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, errorReason(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// PoolSnapshot is the subset of pool state exported as gauges.
type PoolSnapshot struct {
	Lent             *big.Int
	Borrowed         *big.Int
	Reserves         *big.Int
	UnclaimedRewards *big.Int
	ClaimEpoch       uint64
	ConvertEpoch     uint64
	CalcEpoch        uint64
	ClaimInFlight    bool
	ConvertInFlight  bool
}

// SetPool publishes the pool aggregates.
func (m *SavingsMetrics) SetPool(snapshot PoolSnapshot) {
	if m == nil {
		return
	}
	m.pool.WithLabelValues("lent").Set(bigToFloat(snapshot.Lent))
	m.pool.WithLabelValues("borrowed").Set(bigToFloat(snapshot.Borrowed))
	m.pool.WithLabelValues("reserves").Set(bigToFloat(snapshot.Reserves))
	m.pool.WithLabelValues("unclaimed_rewards").Set(bigToFloat(snapshot.UnclaimedRewards))
	m.epochs.WithLabelValues("claim").Set(float64(snapshot.ClaimEpoch))
	m.epochs.WithLabelValues("convert").Set(float64(snapshot.ConvertEpoch))
	m.epochs.WithLabelValues("calculate").Set(float64(snapshot.CalcEpoch))
	m.inFlight.WithLabelValues("claim").Set(boolToFloat(snapshot.ClaimInFlight))
	m.inFlight.WithLabelValues("convert").Set(boolToFloat(snapshot.ConvertInFlight))
}

// SetRates publishes BP-scaled utilisation and rates as fractions.
func (m *SavingsMetrics) SetRates(utilisation, borrowRate, depositRate *big.Int, precision int64) {
	if m == nil || precision <= 0 {
		return
	}
	scale := float64(precision)
	m.rates.WithLabelValues("utilisation").Set(bigToFloat(utilisation) / scale)
	m.rates.WithLabelValues("borrow").Set(bigToFloat(borrowRate) / scale)
	m.rates.WithLabelValues("deposit").Set(bigToFloat(depositRate) / scale)
}

func errorReason(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	reason := strings.TrimSpace(err.Error())
	if reason == "" {
		return "unknown"
	}
	return reason
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
