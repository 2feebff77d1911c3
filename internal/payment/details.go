package payment

import (
	"encoding/json"
	"time"
)

// Keys of the payment details bag.
const (
	DetailProvider             = "provider"
	DetailProviderReference    = "provider_reference"
	DetailCheckoutURL          = "checkout_url"
	DetailAttemptReference     = "attempt_reference"
	DetailInitializedAt        = "initialized_at"
	DetailVerificationResponse = "verification_response"
	DetailWebhookResponse      = "webhook_response"
	DetailRemoteStatus         = "remote_status"
	DetailProcessedAt          = "processed_at"
	DetailAmountMismatch       = "amount_mismatch"
	DetailHistory              = "history"
)

// Details is the provider-specific metadata bag stored with a transaction.
// Stores merge a patch into it key by key; it is never replaced wholesale.
// Values must survive a JSON round trip, so nested data is kept as plain
// maps, slices, strings, numbers and booleans.
type Details map[string]any

// String returns the string value under key, or "".
func (d Details) String(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d[key].(string)
	return s
}

// Clone returns a shallow copy. The history slice is copied as well so that
// appending to the clone never aliases the original.
func (d Details) Clone() Details {
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	if h, ok := d[DetailHistory].([]any); ok {
		out[DetailHistory] = append([]any(nil), h...)
	}
	return out
}

// Merge returns a copy of d with every key of patch set on it.
func (d Details) Merge(patch Details) Details {
	out := d.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// History returns the append-only event log kept under DetailHistory.
func (d Details) History() []any {
	if d == nil {
		return nil
	}
	switch h := d[DetailHistory].(type) {
	case []any:
		return h
	case []map[string]any:
		out := make([]any, 0, len(h))
		for _, e := range h {
			out = append(out, e)
		}
		return out
	default:
		return nil
	}
}

// HistoryEntry is one record in the history log.
type HistoryEntry struct {
	Event             string
	Provider          Method
	ProviderReference string
	CheckoutURL       string
	RemoteStatus      string
	FromStatus        Status
	ToStatus          Status
	Applied           bool
	Response          any
	At                time.Time
}

func (e HistoryEntry) toMap() map[string]any {
	m := map[string]any{
		"event": e.Event,
		"at":    e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.Provider != "" {
		m["provider"] = string(e.Provider)
	}
	if e.ProviderReference != "" {
		m["provider_reference"] = e.ProviderReference
	}
	if e.CheckoutURL != "" {
		m["checkout_url"] = e.CheckoutURL
	}
	if e.RemoteStatus != "" {
		m["remote_status"] = e.RemoteStatus
	}
	if e.FromStatus != "" {
		m["from_status"] = string(e.FromStatus)
	}
	if e.ToStatus != "" {
		m["to_status"] = string(e.ToStatus)
		m["applied"] = e.Applied
	}
	if e.Response != nil {
		m["response"] = e.Response
	}
	return m
}

// AppendHistory returns the history of d with entry appended, ready to be
// placed in a patch under DetailHistory.
func (d Details) AppendHistory(entry HistoryEntry) []any {
	prev := d.History()
	out := make([]any, 0, len(prev)+1)
	out = append(out, prev...)
	return append(out, entry.toMap())
}

// RawValue converts a raw provider body into a JSON-friendly value. Bodies
// that are not valid JSON are kept as strings.
func RawValue(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
