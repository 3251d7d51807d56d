package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/code-payments/iap-server/iap"
)

const namespace = "iap"

// Observer records orchestrator activity as Prometheus metrics.
type Observer struct {
	started      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	breakerState *prometheus.GaugeVec
}

func NewObserver(registerer prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_started_total",
			Help:      "Number of store and validator calls started.",
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of store and validator calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_in_flight",
			Help:      "Number of store and validator calls in flight.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validator_breaker_state",
			Help:      "Receipt validator circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
	}

	for _, c := range []prometheus.Collector{o.started, o.duration, o.inFlight, o.breakerState} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) OperationStarted(op iap.Operation) {
	o.started.WithLabelValues(string(op)).Inc()
	o.inFlight.Inc()
}

func (o *Observer) OperationFinished(op iap.Operation, elapsed time.Duration) {
	o.duration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
	o.inFlight.Dec()
}

// BreakerStateChanged can be installed as a breaker state change callback.
func (o *Observer) BreakerStateChanged(name string, _, to gobreaker.State) {
	o.breakerState.WithLabelValues(name).Set(float64(to))
}
