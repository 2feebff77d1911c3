package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/storefront-payments/internal/logging"
	"github.com/yourorg/storefront-payments/internal/monitor"
	"github.com/yourorg/storefront-payments/internal/orchestrator"
	"github.com/yourorg/storefront-payments/internal/payment"
)

// maxBodyBytes caps every request body, webhooks included.
const maxBodyBytes = 1 << 20

var createTransactionContract = monitor.MustContractMonitor("create transaction request", `{
	"type": "object",
	"required": ["amount", "currency"],
	"properties": {
		"listing_id":  {"type": "string"},
		"buyer_email": {"type": "string"},
		"buyer_phone": {"type": "string"},
		"buyer_name":  {"type": "string"},
		"amount":      {"type": ["number", "string"]},
		"currency":    {"type": "string", "pattern": "^[A-Za-z]{3}$"}
	}
}`)

var initializeContract = monitor.MustContractMonitor("initialize payment request", `{
	"type": "object",
	"required": ["method", "transaction_id", "amount", "currency"],
	"properties": {
		"method":         {"type": "string", "enum": ["chapa", "telebirr", "santimpay"]},
		"transaction_id": {"type": "string", "minLength": 1},
		"listing_id":     {"type": "string"},
		"amount":         {"type": ["number", "string"]},
		"currency":       {"type": "string", "pattern": "^[A-Za-z]{3}$"},
		"buyer_email":    {"type": "string"},
		"buyer_phone":    {"type": "string"},
		"buyer_name":     {"type": "string"}
	}
}`)

type createTransactionRequest struct {
	ListingID  string          `json:"listing_id"`
	BuyerEmail string          `json:"buyer_email"`
	BuyerPhone string          `json:"buyer_phone"`
	BuyerName  string          `json:"buyer_name"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

type initializeRequest struct {
	Method        string          `json:"method"`
	TransactionID string          `json:"transaction_id"`
	ListingID     string          `json:"listing_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	BuyerEmail    string          `json:"buyer_email"`
	BuyerPhone    string          `json:"buyer_phone"`
	BuyerName     string          `json:"buyer_name"`
}

type verifyResponse struct {
	Verified bool           `json:"verified"`
	Status   payment.Status `json:"status"`
	Amount   string         `json:"amount"`
	Currency string         `json:"currency"`
}

// bind reads the body, checks it against contract and decodes it into out.
func bind(c *gin.Context, contract *monitor.ContractMonitor, out any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", payment.ErrValidation, err)
	}
	if err := contract.Check(raw); err != nil {
		return fmt.Errorf("%w: %v", payment.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: invalid request format: %v", payment.ErrValidation, err)
	}
	return nil
}

// createTransaction stands in for the external checkout flow that creates
// transactions in the created state.
func (h *Handler) createTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := bind(c, createTransactionContract, &req); err != nil {
		h.fail(c, err)
		return
	}
	tx, err := h.txs.Create(c.Request.Context(), payment.Transaction{
		ListingID:  req.ListingID,
		BuyerEmail: req.BuyerEmail,
		BuyerPhone: req.BuyerPhone,
		BuyerName:  req.BuyerName,
		Amount:     req.Amount,
		Currency:   req.Currency,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (h *Handler) initializePayment(c *gin.Context) {
	var req initializeRequest
	if err := bind(c, initializeContract, &req); err != nil {
		h.fail(c, err)
		return
	}
	method, err := payment.ParseMethod(req.Method)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.svc.InitializePayment(c.Request.Context(), orchestrator.InitializeRequest{
		Method:        method,
		TransactionID: req.TransactionID,
		ListingID:     req.ListingID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		BuyerEmail:    req.BuyerEmail,
		BuyerPhone:    req.BuyerPhone,
		BuyerName:     req.BuyerName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) verifyPayment(c *gin.Context) {
	res, err := h.svc.VerifyPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, verifyResponse{
		Verified: res.Verified,
		Status:   res.Status,
		Amount:   res.Amount.StringFixed(2),
		Currency: res.Currency,
	})
}

func (h *Handler) getPaymentStatus(c *gin.Context) {
	res, err := h.svc.GetPaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleWebhook acknowledges every delivery it can make sense of, including
// unknown references and malformed payloads, so providers stop retrying
// them. Only failures on our side answer 500 and get redelivered.
func (h *Handler) handleWebhook(c *gin.Context) {
	method, err := payment.ParseMethod(c.Param("method"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: err.Error(), Kind: payment.KindName(payment.ErrNotFound)})
		return
	}
	var res orchestrator.WebhookResult
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		err = fmt.Errorf("%w: read webhook body: %v", payment.ErrMalformedPayload, err)
	} else {
		res, err = h.svc.HandleWebhook(c.Request.Context(), method, raw, c.Request.Header)
	}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "applied": res.Applied, "status": res.Status})
	case errors.Is(err, payment.ErrNotFound), errors.Is(err, payment.ErrMalformedPayload), errors.Is(err, payment.ErrValidation):
		logging.L(c.Request.Context(), h.logger).Warn("webhook acknowledged without effect",
			zap.String("method", string(method)),
			zap.String("kind", payment.KindName(err)),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true, "applied": false, "ignored": payment.KindName(err)})
	default:
		h.fail(c, err)
	}
}

// defaultReportWindow is the lookback used when a report has no from bound.
const defaultReportWindow = 24 * time.Hour

// retrospective reports on transactions created in [from, to). Both bounds
// are RFC 3339 query parameters; to defaults to open-ended.
func (h *Handler) retrospective(c *gin.Context) {
	from := h.now().Add(-defaultReportWindow)
	var to time.Time
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.fail(c, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", payment.ErrValidation, name))
			return
		}
		*dst = t
	}
	if !to.IsZero() && !to.After(from) {
		h.fail(c, fmt.Errorf("%w: to must be after from", payment.ErrValidation))
		return
	}

	txs, err := h.txs.List(c.Request.Context(), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.reporter.GenerateRetrospective(txs, from, to))
}
