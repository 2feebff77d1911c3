package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/storefront-payments/internal/adapter"
	adaptermock "github.com/yourorg/storefront-payments/internal/adapter/mock"
	"github.com/yourorg/storefront-payments/internal/events"
	"github.com/yourorg/storefront-payments/internal/orchestrator"
	"github.com/yourorg/storefront-payments/internal/payment"
	"github.com/yourorg/storefront-payments/internal/reporting"
	"github.com/yourorg/storefront-payments/internal/store/memory"
)

type testServer struct {
	router *gin.Engine
	chapa  *adaptermock.Gateway
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memory.New()
	chapa := adaptermock.NewGateway(payment.MethodChapa)
	chapa.ParseWebhookFunc = func(raw []byte) (adapter.WebhookEvent, error) {
		var body struct {
			TxRef  string `json:"tx_ref"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.TxRef == "" {
			return adapter.WebhookEvent{}, adapter.Malformed(payment.MethodChapa, "missing tx_ref", err)
		}
		return adapter.WebhookEvent{ProviderReference: body.TxRef, RemoteStatus: body.Status}, nil
	}
	orch := orchestrator.New(st, orchestrator.Gateways{
		Chapa:     chapa,
		Telebirr:  adaptermock.NewGateway(payment.MethodTelebirr),
		SantimPay: adapter.NewUnconfigured(payment.MethodSantimPay, errors.New("missing credentials: SANTIMPAY_API_KEY")),
	}, events.Noop{}, zap.NewNop(), orchestrator.Config{VerifyInitialBackoff: time.Millisecond})
	return &testServer{router: NewRouter(NewHandler(orch, st, nil, zap.NewNop()), "payments-test"), chapa: chapa}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err, "Failed to create request")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "Failed to unmarshal response body: %s", w.Body.String())
	return out
}

func (s *testServer) createTransaction(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/transactions", map[string]any{
		"listing_id": "listing-1", "buyer_email": "buyer@example.com", "amount": 500, "currency": "etb",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "created", body["status"])
	assert.Equal(t, "ETB", body["currency"])
	return body["id"].(string)
}

func (s *testServer) initialize(t *testing.T, method, id string) map[string]any {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/payments/initialize", map[string]any{
		"method": method, "transaction_id": id, "amount": "500.00", "currency": "ETB",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	s.initialize(t, "chapa", s.createTransaction(t))
	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "payments_initialize_total")
}

func TestCreateTransaction_Invalid(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"not json", "this is not json"},
		{"missing currency", map[string]any{"amount": 10}},
		{"bad currency", map[string]any{"amount": 10, "currency": "BIRR"}},
		{"non-positive amount", map[string]any{"amount": 0, "currency": "ETB"}},
		{"unparsable amount", map[string]any{"amount": "ten", "currency": "ETB"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/transactions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			body := decode(t, w)
			assert.Equal(t, "validation_error", body["kind"])
			assert.Equal(t, false, body["retryable"])
		})
	}
}

func TestInitializeAndStatus(t *testing.T) {
	s := setupTestServer(t)
	id := s.createTransaction(t)

	res := s.initialize(t, "chapa", id)
	assert.Equal(t, "payment_initiated", res["status"])
	assert.NotEmpty(t, res["checkout_url"])
	assert.NotEmpty(t, res["provider_reference"])

	w := s.do(t, http.MethodGet, "/api/v1/payments/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "payment_initiated", body["status"])
	tx := body["transaction"].(map[string]any)
	assert.Equal(t, id, tx["id"])

	w = s.do(t, http.MethodGet, "/api/v1/payments/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["kind"])
}

func TestInitialize_Errors(t *testing.T) {
	s := setupTestServer(t)
	id := s.createTransaction(t)

	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantKind string
	}{
		{"unsupported method", map[string]any{"method": "paypal", "transaction_id": id, "amount": 500, "currency": "ETB"}, http.StatusBadRequest, "validation_error"},
		{"amount mismatch", map[string]any{"method": "chapa", "transaction_id": id, "amount": 1, "currency": "ETB"}, http.StatusBadRequest, "validation_error"},
		{"unknown transaction", map[string]any{"method": "chapa", "transaction_id": "nope", "amount": 500, "currency": "ETB"}, http.StatusNotFound, "not_found"},
		{"unconfigured provider", map[string]any{"method": "santimpay", "transaction_id": id, "amount": 500, "currency": "ETB"}, http.StatusServiceUnavailable, "configuration_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/payments/initialize", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantKind, decode(t, w)["kind"])
		})
	}
}

func TestVerify(t *testing.T) {
	s := setupTestServer(t)
	id := s.createTransaction(t)

	w := s.do(t, http.MethodPost, "/api/v1/payments/"+id+"/verify", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode(t, w)["kind"])

	s.initialize(t, "chapa", id)
	s.chapa.VerifyFunc = func(context.Context, string) (adapter.VerifyResult, error) {
		return adapter.VerifyResult{RemoteStatus: "success"}, nil
	}
	w = s.do(t, http.MethodPost, "/api/v1/payments/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["verified"])
	assert.Equal(t, "payment_completed", body["status"])
	assert.Equal(t, "500.00", body["amount"])
	assert.Equal(t, "ETB", body["currency"])
}

func TestVerify_NetworkErrorIsRetryable(t *testing.T) {
	s := setupTestServer(t)
	id := s.createTransaction(t)
	s.initialize(t, "chapa", id)
	s.chapa.VerifyFunc = func(context.Context, string) (adapter.VerifyResult, error) {
		return adapter.VerifyResult{}, payment.NewError(payment.ErrNetwork, payment.MethodChapa, "verify", "timeout", nil)
	}

	w := s.do(t, http.MethodPost, "/api/v1/payments/"+id+"/verify", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	body := decode(t, w)
	assert.Equal(t, "network_error", body["kind"])
	assert.Equal(t, true, body["retryable"])
}

func TestWebhook(t *testing.T) {
	s := setupTestServer(t)
	id := s.createTransaction(t)
	ref := s.initialize(t, "chapa", id)["provider_reference"].(string)

	t.Run("unknown reference is acknowledged", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/chapa", map[string]any{"tx_ref": "nope", "status": "success"})
		assert.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, false, body["applied"])
		assert.Equal(t, "not_found", body["ignored"])
	})

	t.Run("malformed payload is acknowledged", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/chapa", "{")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "malformed_payload", decode(t, w)["ignored"])
	})

	t.Run("unsupported method", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/paypal", map[string]any{})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("completion is applied", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/chapa", map[string]any{"tx_ref": ref, "status": "success"})
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["applied"])
		assert.Equal(t, "payment_completed", body["status"])
	})
}

func TestRetrospectiveReport(t *testing.T) {
	s := setupTestServer(t)
	completed := s.createTransaction(t)
	ref := s.initialize(t, "chapa", completed)["provider_reference"].(string)
	s.do(t, http.MethodPost, "/api/v1/webhooks/chapa", map[string]any{"tx_ref": ref, "status": "success"})
	s.createTransaction(t)

	w := s.do(t, http.MethodGet, "/api/v1/reports/retrospective", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(2), body["total_transactions"])
	assert.Equal(t, map[string]any{"payment_completed": float64(1), "created": float64(1)}, body["by_status"])
	assert.Equal(t, map[string]any{"ETB": "500"}, body["completed_amount"])

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w = s.do(t, http.MethodGet, "/api/v1/reports/retrospective?from="+future, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["total_transactions"])

	for _, q := range []string{"?from=yesterday", "?from=" + future + "&to=" + future} {
		w = s.do(t, http.MethodGet, "/api/v1/reports/retrospective"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

// MockService is a mock implementation of Service
type MockService struct {
	mock.Mock
}

func (m *MockService) InitializePayment(ctx context.Context, req orchestrator.InitializeRequest) (orchestrator.InitializeResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(orchestrator.InitializeResult)
	return res, args.Error(1)
}

func (m *MockService) VerifyPayment(ctx context.Context, id string) (orchestrator.VerifyResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(orchestrator.VerifyResult)
	return res, args.Error(1)
}

func (m *MockService) HandleWebhook(ctx context.Context, method payment.Method, raw []byte, header http.Header) (orchestrator.WebhookResult, error) {
	args := m.Called(ctx, method, raw, header)
	res, _ := args.Get(0).(orchestrator.WebhookResult)
	return res, args.Error(1)
}

func (m *MockService) GetPaymentStatus(ctx context.Context, id string) (orchestrator.StatusResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(orchestrator.StatusResult)
	return res, args.Error(1)
}

func TestWebhook_StoreFailureIsRedelivered(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := new(MockService)
	svc.On("HandleWebhook", mock.Anything, payment.MethodTelebirr, mock.Anything, mock.Anything).
		Return(orchestrator.WebhookResult{}, errors.New("connection reset by peer"))
	router := NewRouter(NewHandler(svc, memory.New(), nil, zap.NewNop()), "payments-test")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/telebirr", bytes.NewBufferString(`{"merch_order_id":"x"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "internal_error", body["kind"])
	assert.Equal(t, "internal error", body["error"], "unclassified errors are not echoed")
	svc.AssertExpectations(t)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{payment.ErrValidation, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", payment.ErrNotFound), http.StatusNotFound},
		{payment.ErrNotInitialized, http.StatusConflict},
		{payment.ErrAlreadyFinalized, http.StatusConflict},
		{payment.ErrConflict, http.StatusConflict},
		{payment.NewError(payment.ErrConfiguration, payment.MethodChapa, "initialize", "", nil), http.StatusServiceUnavailable},
		{payment.NewError(payment.ErrNetwork, payment.MethodChapa, "verify", "", nil), http.StatusGatewayTimeout},
		{payment.NewError(payment.ErrProvider, payment.MethodChapa, "verify", "", nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestNewHandler_PanicsOnNil(t *testing.T) {
	st := memory.New()
	assert.Panics(t, func() { NewHandler(nil, st, nil, zap.NewNop()) })
	assert.Panics(t, func() { NewHandler(new(MockService), nil, nil, zap.NewNop()) })
	assert.Panics(t, func() { NewHandler(new(MockService), st, nil, nil) })
	assert.NotPanics(t, func() { NewHandler(new(MockService), st, reporting.NewRetrospectiveReporter(time.Minute), zap.NewNop()) })
}
