package telebirr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/storefront-payments/internal/adapter"
	"github.com/yourorg/storefront-payments/internal/payment"
)

type blockedTransport struct{ calls atomic.Int64 }

func (b *blockedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	b.calls.Add(1)
	return nil, errors.New("network access is blocked")
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		CheckoutBaseURL: "https://pay.telebirr.test/paygate",
		AppID:           "app-123",
		AppSecret:       "secret-xyz",
		MerchantAppID:   "850000001",
		ShortCode:       "220101",
	}
}

func TestNew_MissingCredentials(t *testing.T) {
	blocked := &blockedTransport{}
	cfg := testConfig("http://unused.invalid")
	cfg.AppSecret = ""
	cfg.ShortCode = ""

	_, err := New(cfg, adapter.Options{HTTPClient: &http.Client{Transport: blocked}})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrConfiguration)
	assert.Contains(t, err.Error(), "TELEBIRR_APP_SECRET, TELEBIRR_SHORT_CODE")
	assert.Zero(t, blocked.calls.Load())
}

func TestInitialize_WithPrepayID(t *testing.T) {
	var got request[preOrder]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payment/v1/merchant/preOrder", r.URL.Path)
		assert.Equal(t, "app-123", r.Header.Get("X-APP-Key"))
		assert.Equal(t, "Bearer secret-xyz", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"result":"SUCCESS","code":"0","msg":"success","biz_content":{"prepay_id":"pp-77"}}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), adapter.Options{PublicBaseURL: "https://shop.example"})
	require.NoError(t, err)

	res, err := a.Initialize(context.Background(), adapter.InitRequest{
		TransactionID: "tx-1",
		ListingID:     "l-1",
		Amount:        decimal.RequireFromString("1250.5"),
		Currency:      "ETB",
	})
	require.NoError(t, err)

	assert.Equal(t, "payment.preorder", got.Method)
	assert.NotEmpty(t, got.NonceStr)
	assert.Equal(t, "1250.50", got.BizContent.TotalAmount)
	assert.Equal(t, "850000001", got.BizContent.AppID)
	assert.Equal(t, "220101", got.BizContent.MerchCode)
	assert.Equal(t, "https://shop.example/api/v1/webhooks/telebirr", got.BizContent.NotifyURL)
	assert.Equal(t, got.BizContent.MerchOrderID, res.ProviderReference)

	u, err := url.Parse(res.CheckoutURL)
	require.NoError(t, err)
	assert.Equal(t, "pay.telebirr.test", u.Host)
	assert.Equal(t, "pp-77", u.Query().Get("prepay_id"))
	assert.Equal(t, res.ProviderReference, u.Query().Get("merch_order_id"))
}

func TestInitialize_ProviderCheckoutURLAndFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			_, _ = w.Write([]byte(`{"result":"FAIL","code":"10001","msg":"invalid merchant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":"SUCCESS","code":"0","biz_content":{"checkout_url":"https://pay.telebirr.test/c/1"}}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), adapter.Options{})
	require.NoError(t, err)
	req := adapter.InitRequest{TransactionID: "tx-1", Amount: decimal.NewFromInt(5), Currency: "ETB"}

	res, err := a.Initialize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.telebirr.test/c/1", res.CheckoutURL)

	fail.Store(true)
	_, err = a.Initialize(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrProvider)
	var perr *payment.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "10001", perr.Code)
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body request[queryOrder]
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "payment.queryorder", body.Method)
		switch body.BizContent.MerchOrderID {
		case "ord-paid":
			_, _ = w.Write([]byte(`{"result":"SUCCESS","code":"0","biz_content":{"merch_order_id":"ord-paid","order_status":"PAY_SUCCESS","total_amount":"500.00","trans_currency":"ETB"}}`))
		case "ord-gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), adapter.Options{})
	require.NoError(t, err)

	res, err := a.Verify(context.Background(), "ord-paid")
	require.NoError(t, err)
	assert.Equal(t, "PAY_SUCCESS", res.RemoteStatus)
	assert.True(t, res.Amount.Valid)
	assert.Equal(t, "ETB", res.Currency)

	_, err = a.Verify(context.Background(), "ord-gone")
	assert.ErrorIs(t, err, payment.ErrNotFound)

	_, err = a.Verify(context.Background(), "ord-err")
	assert.ErrorIs(t, err, payment.ErrNetwork)
}

func TestParseWebhook(t *testing.T) {
	a, err := New(testConfig("http://unused.invalid"), adapter.Options{})
	require.NoError(t, err)

	ev, err := a.ParseWebhook([]byte(`{"merch_order_id":"ord-1","trade_status":"Completed","total_amount":"500.00","trans_currency":"ETB","notify_time":"1700000000"}`))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ev.ProviderReference)
	assert.Equal(t, "Completed", ev.RemoteStatus)
	assert.True(t, ev.Amount.Valid)

	_, err = a.ParseWebhook([]byte(`{"trade_status":"PAY_SUCCESS"}`))
	assert.ErrorIs(t, err, payment.ErrMalformedPayload)
}

func TestAuthenticateWebhook(t *testing.T) {
	cfg := testConfig("http://unused.invalid")
	cfg.WebhookSecret = "tb-secret"
	a, err := New(cfg, adapter.Options{})
	require.NoError(t, err)

	raw := []byte(`{"merch_order_id":"ord-1","trade_status":"PAY_SUCCESS"}`)
	h := http.Header{}
	assert.ErrorIs(t, a.AuthenticateWebhook(h, raw), payment.ErrMalformedPayload)
	h.Set("X-Telebirr-Signature", adapter.Sign("tb-secret", raw))
	assert.NoError(t, a.AuthenticateWebhook(h, raw))
}
