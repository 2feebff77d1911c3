// Package metrics declares the Prometheus collectors of the payment service.
// They are registered on the default registry through promauto and served
// on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes used as label values.
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
)

var (
	initializeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_initialize_total",
		Help: "InitializePayment calls by method and outcome.",
	}, []string{"method", "outcome"})

	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_verify_total",
		Help: "VerifyPayment calls by method and outcome.",
	}, []string{"method", "outcome"})

	webhookTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_webhook_total",
		Help: "Webhook deliveries by method and outcome.",
	}, []string{"method", "outcome"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_status_transitions_total",
		Help: "Applied transaction status transitions.",
	}, []string{"from", "to", "source"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_provider_request_duration_seconds",
		Help:    "Latency of outbound provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payments_circuit_state",
		Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
	}, []string{"provider"})
)

// ObserveInitialize counts one InitializePayment call.
func ObserveInitialize(method, outcome string) {
	initializeTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveVerify counts one VerifyPayment call.
func ObserveVerify(method, outcome string) {
	verifyTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveWebhook counts one webhook delivery.
func ObserveWebhook(method, outcome string) {
	webhookTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveTransition counts an applied status change.
func ObserveTransition(from, to, source string) {
	transitionsTotal.WithLabelValues(from, to, source).Inc()
}

// ObserveProviderRequest records the latency of one provider call.
func ObserveProviderRequest(provider, operation string, d time.Duration) {
	providerRequestDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// SetCircuitState publishes the breaker state of a provider.
func SetCircuitState(provider string, state int) {
	circuitState.WithLabelValues(provider).Set(float64(state))
}

// Accessors for tests.

func InitializeTotal() *prometheus.CounterVec { return initializeTotal }
func VerifyTotal() *prometheus.CounterVec { return verifyTotal }
func WebhookTotal() *prometheus.CounterVec { return webhookTotal }
func TransitionsTotal() *prometheus.CounterVec { return transitionsTotal }
func ProviderRequestDuration() *prometheus.HistogramVec { return providerRequestDuration }
func CircuitState() *prometheus.GaugeVec { return circuitState }
