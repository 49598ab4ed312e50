package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	issuanceOnce sync.Once
	issuanceReg  *IssuanceMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record admin
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icreserve",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total admin API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icreserve",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total admin API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "icreserve",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for admin API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icreserve",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of admin API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// IssuanceMetrics captures controller operations, ledger levels and emergency
// activity.
type IssuanceMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	reserves  *prometheus.GaugeVec
	issued    prometheus.Gauge
	emergency *prometheus.CounterVec
	halted    prometheus.Gauge
	gates     *prometheus.GaugeVec
}

// Issuance returns the singleton metrics registry for the issuance controller.
func Issuance() *IssuanceMetrics {
	issuanceOnce.Do(func() {
		issuanceReg = &IssuanceMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icreserve",
				Subsystem: "issuance",
				Name:      "operations_total",
				Help:      "Count of controller operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "icreserve",
				Subsystem: "issuance",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for controller operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icreserve",
				Subsystem: "issuance",
				Name:      "errors_total",
				Help:      "Count of controller rejections segmented by operation and error kind.",
			}, []string{"operation", "reason"}),
			reserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "icreserve",
				Subsystem: "issuance",
				Name:      "reserve_quantity",
				Help:      "Reserve asset quantities held by the vault segmented by bucket.",
			}, []string{"asset", "bucket"}),
			issued: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "icreserve",
				Subsystem: "issuance",
				Name:      "total_issued",
				Help:      "Outstanding units of the issued currency.",
			}),
			emergency: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icreserve",
				Subsystem: "emergency",
				Name:      "signatures_total",
				Help:      "Emergency action signatures segmented by kind and resulting status.",
			}, []string{"kind", "status"}),
			halted: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "icreserve",
				Subsystem: "issuance",
				Name:      "halted",
				Help:      "Set to 1 once the controller latched an invariant violation.",
			}),
			gates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "icreserve",
				Subsystem: "emergency",
				Name:      "gate_engaged",
				Help:      "Emergency gates currently engaged (1) or open (0).",
			}, []string{"gate"}),
		}
		prometheus.MustRegister(
			issuanceReg.requests,
			issuanceReg.latency,
			issuanceReg.errors,
			issuanceReg.reserves,
			issuanceReg.issued,
			issuanceReg.emergency,
			issuanceReg.halted,
			issuanceReg.gates,
		)
	})
	return issuanceReg
}

// Observe records one controller operation. An empty reason marks success.
func (m *IssuanceMetrics) Observe(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordReserves publishes the allocated and pre-minted quantities of asset.
// Values are raw fixed-point integers with the supplied number of decimals.
func (m *IssuanceMetrics) RecordReserves(asset string, allocated, preMinted *big.Int, decimals uint8) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	alloc := scaleToFloat(allocated, decimals)
	stock := scaleToFloat(preMinted, decimals)
	m.reserves.WithLabelValues(label, "allocated").Set(alloc)
	m.reserves.WithLabelValues(label, "preminted").Set(stock)
	m.reserves.WithLabelValues(label, "available").Set(math.Max(stock-alloc, 0))
}

// RecordIssued publishes total issuance.
func (m *IssuanceMetrics) RecordIssued(total *big.Int, decimals uint8) {
	if m == nil {
		return
	}
	m.issued.Set(scaleToFloat(total, decimals))
}

// RecordEmergency counts a signature applied to an emergency action.
func (m *IssuanceMetrics) RecordEmergency(kind, status string) {
	if m == nil {
		return
	}
	m.emergency.WithLabelValues(kind, status).Inc()
}

// SetGates publishes the pause and minting-freeze gates.
func (m *IssuanceMetrics) SetGates(paused, frozen bool) {
	if m == nil {
		return
	}
	m.gates.WithLabelValues("paused").Set(boolToFloat(paused))
	m.gates.WithLabelValues("minting_frozen").Set(boolToFloat(frozen))
}

// SetHalted flags whether the controller is halted.
func (m *IssuanceMetrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	m.halted.Set(boolToFloat(halted))
}

// OracleMetrics bundles collectors for the price feed daemon.
type OracleMetrics struct {
	samples   *prometheus.CounterVec
	freshness *prometheus.GaugeVec
	price     *prometheus.GaugeVec
}

// Oracle returns the metrics registry for the oracle feed.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			samples: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icreserve",
				Subsystem: "oracle",
				Name:      "samples_total",
				Help:      "Count of price samples fetched segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "icreserve",
				Subsystem: "oracle",
				Name:      "freshness_seconds",
				Help:      "Age in seconds of the most recent published price.",
			}, []string{"asset"}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "icreserve",
				Subsystem: "oracle",
				Name:      "median_price",
				Help:      "Most recent median price published to the feed.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(oracleRegistry.samples, oracleRegistry.freshness, oracleRegistry.price)
	})
	return oracleRegistry
}

// RecordSample counts a fetch attempt against a price source.
func (m *OracleMetrics) RecordSample(source string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.samples.WithLabelValues(strings.ToLower(strings.TrimSpace(source)), outcome).Inc()
}

// RecordFreshness records how stale the published price is.
func (m *OracleMetrics) RecordFreshness(asset string, age time.Duration) {
	if m == nil {
		return
	}
	m.freshness.WithLabelValues(labelAsset(asset)).Set(age.Seconds())
}

// RecordPrice publishes the median for asset.
func (m *OracleMetrics) RecordPrice(asset string, price *big.Int, decimals uint8) {
	if m == nil {
		return
	}
	m.price.WithLabelValues(labelAsset(asset)).Set(scaleToFloat(price, decimals))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func scaleToFloat(value *big.Int, decimals uint8) float64 {
	if value == nil {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	floatVal, acc := new(big.Float).Quo(new(big.Float).SetInt(value), scale).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
