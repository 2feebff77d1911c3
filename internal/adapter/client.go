package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/storefront-payments/internal/metrics"
	"github.com/yourorg/storefront-payments/internal/payment"
)

const maxResponseBytes = 1 << 20

var tracer = otel.Tracer("github.com/yourorg/storefront-payments/internal/adapter")

// Client sends JSON requests to one provider and maps every failure onto a
// payment error kind:
//
//	transport failure, timeout, 5xx, 429 -> ErrNetwork
//	404                                  -> ErrNotFound
//	any other 4xx                        -> ErrProvider
//	2xx with an undecodable body         -> ErrProvider
type Client struct {
	provider  payment.Method
	baseURL   string
	http      *http.Client
	timeout   time.Duration
	authorize func(http.Header)
}

// NewClient returns a Client for provider rooted at baseURL. authorize sets
// the provider's authentication headers on every request.
func NewClient(provider payment.Method, baseURL string, opts Options, authorize func(http.Header)) *Client {
	return &Client{
		provider:  provider,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      opts.httpClient(),
		timeout:   opts.timeout(),
		authorize: authorize,
	}
}

// Do sends body (when non-nil) as JSON to path and decodes a 2xx response
// into out (when non-nil). The raw response body is returned alongside any
// provider-side error so callers can record it.
func (c *Client) Do(ctx context.Context, op, method, path string, body, out any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, string(c.provider)+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("payment.provider", string(c.provider)),
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		))
	defer span.End()

	start := time.Now()
	raw, err := c.do(ctx, op, method, path, body, out)
	metrics.ObserveProviderRequest(string(c.provider), op, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, payment.KindName(err))
	}
	return raw, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, payment.NewError(payment.ErrProvider, c.provider, op, "encoding request", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, payment.NewError(payment.ErrConfiguration, c.provider, op, "building request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authorize != nil {
		c.authorize(req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		msg := "request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "request timed out"
		}
		return nil, payment.NewError(payment.ErrNetwork, c.provider, op, msg, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, payment.NewError(payment.ErrNetwork, c.provider, op, "reading response", err)
	}

	if kind := kindForStatus(resp.StatusCode); kind != nil {
		code, msg := errorFields(raw)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return raw, &payment.Error{
			Kind:       kind,
			Provider:   c.provider,
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    msg,
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, &payment.Error{
				Kind:       payment.ErrProvider,
				Provider:   c.provider,
				Op:         op,
				StatusCode: resp.StatusCode,
				Message:    "undecodable response body",
				Err:        err,
			}
		}
	}
	return raw, nil
}

func kindForStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code >= 500:
		return payment.ErrNetwork
	case code == http.StatusNotFound:
		return payment.ErrNotFound
	default:
		return payment.ErrProvider
	}
}

// errorFields pulls a code and message out of the common error body shapes.
func errorFields(raw []byte) (code, msg string) {
	var body map[string]any
	if json.Unmarshal(raw, &body) != nil {
		return "", strings.TrimSpace(truncate(string(raw), 200))
	}
	for _, k := range []string{"code", "errorCode", "error_code"} {
		if v, ok := body[k]; ok && v != nil {
			code = fmt.Sprint(v)
			break
		}
	}
	for _, k := range []string{"message", "msg", "error", "errorMessage"} {
		if s, ok := body[k].(string); ok && s != "" {
			msg = s
			break
		}
	}
	return code, msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ProviderFailure reports a provider-level rejection carried in a 2xx body.
func ProviderFailure(provider payment.Method, op, code, msg string) error {
	return &payment.Error{Kind: payment.ErrProvider, Provider: provider, Op: op, Code: code, Message: msg}
}

// Malformed reports a webhook body that could not be used.
func Malformed(provider payment.Method, msg string, cause error) error {
	return payment.NewError(payment.ErrMalformedPayload, provider, "webhook", msg, cause)
}
