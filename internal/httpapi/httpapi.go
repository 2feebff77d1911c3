// Package httpapi exposes the payment orchestrator over HTTP with gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/yourorg/storefront-payments/internal/logging"
	"github.com/yourorg/storefront-payments/internal/orchestrator"
	"github.com/yourorg/storefront-payments/internal/payment"
	"github.com/yourorg/storefront-payments/internal/reporting"
)

// Service is the orchestrator surface the handlers need.
type Service interface {
	InitializePayment(ctx context.Context, req orchestrator.InitializeRequest) (orchestrator.InitializeResult, error)
	VerifyPayment(ctx context.Context, transactionID string) (orchestrator.VerifyResult, error)
	HandleWebhook(ctx context.Context, method payment.Method, raw []byte, header http.Header) (orchestrator.WebhookResult, error)
	GetPaymentStatus(ctx context.Context, transactionID string) (orchestrator.StatusResult, error)
}

// Transactions records new transactions for the checkout endpoint and lists
// them for reports.
type Transactions interface {
	Create(ctx context.Context, tx payment.Transaction) (payment.Transaction, error)
	List(ctx context.Context, from, to time.Time) ([]payment.Transaction, error)
}

// Handler serves the payment routes.
type Handler struct {
	svc      Service
	txs      Transactions
	reporter *reporting.RetrospectiveReporter
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler creates a Handler. A nil reporter takes the default stale
// threshold; any other nil dependency panics.
func NewHandler(svc Service, txs Transactions, reporter *reporting.RetrospectiveReporter, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("httpapi.NewHandler: service cannot be nil")
	}
	if txs == nil {
		panic("httpapi.NewHandler: transactions cannot be nil")
	}
	if logger == nil {
		panic("httpapi.NewHandler: logger cannot be nil")
	}
	if reporter == nil {
		reporter = reporting.NewRetrospectiveReporter(0)
	}
	return &Handler{svc: svc, txs: txs, reporter: reporter, logger: logger, now: time.Now}
}

// NewRouter builds the gin engine with tracing, access logging, health and
// metrics routes.
func NewRouter(h *Handler, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(accessLog(h.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.POST("/transactions", h.createTransaction)
	v1.POST("/payments/initialize", h.initializePayment)
	v1.POST("/payments/:id/verify", h.verifyPayment)
	v1.GET("/payments/:id", h.getPaymentStatus)
	v1.POST("/webhooks/:method", h.handleWebhook)
	v1.GET("/reports/retrospective", h.retrospective)
	return r
}

func accessLog(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.L(c.Request.Context(), base).Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch payment.KindOf(err) {
	case payment.ErrValidation, payment.ErrMalformedPayload:
		return http.StatusBadRequest
	case payment.ErrNotFound:
		return http.StatusNotFound
	case payment.ErrInvalidTransition, payment.ErrConflict:
		return http.StatusConflict
	case payment.ErrConfiguration:
		return http.StatusServiceUnavailable
	case payment.ErrNetwork:
		return http.StatusGatewayTimeout
	case payment.ErrProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	log := logging.L(c.Request.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	} else {
		log.Info("request rejected", zap.String("route", c.FullPath()), zap.Error(err))
	}
	msg := err.Error()
	if payment.KindOf(err) == nil {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     msg,
		Kind:      payment.KindName(err),
		Retryable: payment.IsRetryable(err),
	})
}
