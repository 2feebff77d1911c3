package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Collectors are global, so assertions compare deltas rather than absolute values.

func TestObserveCounters(t *testing.T) {
	before := testutil.ToFloat64(InitializeTotal().WithLabelValues("chapa", OutcomeSuccess))
	ObserveInitialize("chapa", OutcomeSuccess)
	assert.Equal(t, before+1, testutil.ToFloat64(InitializeTotal().WithLabelValues("chapa", OutcomeSuccess)))

	before = testutil.ToFloat64(WebhookTotal().WithLabelValues("telebirr", OutcomeNotFound))
	ObserveWebhook("telebirr", OutcomeNotFound)
	assert.Equal(t, before+1, testutil.ToFloat64(WebhookTotal().WithLabelValues("telebirr", OutcomeNotFound)))

	before = testutil.ToFloat64(TransitionsTotal().WithLabelValues("payment_initiated", "payment_completed", "webhook"))
	ObserveTransition("payment_initiated", "payment_completed", "webhook")
	assert.Equal(t, before+1, testutil.ToFloat64(TransitionsTotal().WithLabelValues("payment_initiated", "payment_completed", "webhook")))
}

func sampleCount(t *testing.T, provider, op string) uint64 {
	t.Helper()
	h, ok := ProviderRequestDuration().WithLabelValues(provider, op).(prometheus.Histogram)
	require.True(t, ok)
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestObserveProviderRequest(t *testing.T) {
	before := sampleCount(t, "chapa", "verify")
	ObserveProviderRequest("chapa", "verify", 120*time.Millisecond)
	assert.Equal(t, before+1, sampleCount(t, "chapa", "verify"))
}

func TestSetCircuitState(t *testing.T) {
	SetCircuitState("santimpay", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(CircuitState().WithLabelValues("santimpay")))
	SetCircuitState("santimpay", 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(CircuitState().WithLabelValues("santimpay")))
}
