package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/congo-pay/card_issuer/internal/metrics"
)

// Collector implements metrics.Recorder on top of client_golang.
type Collector struct {
	operations   *prometheus.CounterVec
	opLatency    *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	swept        prometheus.Counter
	circuitState *prometheus.GaugeVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewCollector builds the issuer metric families under namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Ledger commands by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		opLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_operation_duration_seconds",
				Help:      "Ledger command latency including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_retries_total",
				Help:      "Conflict retries per operation",
			},
			[]string{"operation"},
		),
		swept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_swept_total",
				Help:      "Transfers marked fulfilled by sweeps",
			},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_circuit_state",
				Help:      "Store circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"store"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Register registers all metric families with registry.
func (c *Collector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.operations,
		c.opLatency,
		c.retries,
		c.swept,
		c.circuitState,
		c.httpRequests,
		c.httpLatency,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) RecordOperation(op, outcome string, duration time.Duration) {
	c.operations.WithLabelValues(op, outcome).Inc()
	c.opLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (c *Collector) RecordRetry(op string) {
	c.retries.WithLabelValues(op).Inc()
}

func (c *Collector) RecordSwept(count int) {
	c.swept.Add(float64(count))
}

func (c *Collector) RecordCircuitState(name string, state metrics.CircuitState) {
	c.circuitState.WithLabelValues(name).Set(float64(state))
}

func (c *Collector) RecordHTTP(method, route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

var _ metrics.Recorder = (*Collector)(nil)
