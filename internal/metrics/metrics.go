package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_dispatch_requests_total",
			Help: "Total number of accepted ingestion requests by mode.",
		},
		[]string{"mode"}, // direct, sweep
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // success, http_4xx, http_5xx, timeout, network, other
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbor_delivery_latency_seconds",
			Help:    "Latency of webhook delivery attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"success"},
	)

	SweepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbor_sweep_retries_total",
			Help: "Total number of deliveries re-driven by the retry sweeper.",
		},
	)

	SweepExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbor_sweep_exhausted_total",
			Help: "Total number of endpoint/event groups excluded for exceeding the retry cap.",
		},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_auth_failures_total",
			Help: "Total number of rejected ingestion requests by reason.",
		},
		[]string{"reason"},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_store_errors_total",
			Help: "Total number of store failures swallowed by best-effort paths.",
		},
		[]string{"op"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		DispatchRequestsTotal,
		DeliveriesTotal,
		DeliveryLatency,
		SweepRetriesTotal,
		SweepExhaustedTotal,
		AuthFailuresTotal,
		StoreErrorsTotal,
	)
}

func RecordDispatchRequest(mode string) {
	DispatchRequestsTotal.WithLabelValues(mode).Inc()
}

// RecordDelivery counts one attempt and observes its latency
func RecordDelivery(outcome string, success bool, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	label := "false"
	if success {
		label = "true"
	}
	DeliveryLatency.WithLabelValues(label).Observe(latency.Seconds())
}

func RecordSweepRetry() {
	SweepRetriesTotal.Inc()
}

func RecordSweepExhausted(groups int) {
	SweepExhaustedTotal.Add(float64(groups))
}

func RecordAuthFailure(reason string) {
	AuthFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordStoreError(op string) {
	StoreErrorsTotal.WithLabelValues(op).Inc()
}
