package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/yourorg/storefront-payments/internal/monitor"
	"github.com/yourorg/storefront-payments/internal/payment"
)

// Sign returns the hex HMAC-SHA256 of raw under secret.
func Sign(secret string, raw []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckSignature verifies the HMAC-SHA256 signature found in the first
// non-empty header among names. An empty secret disables the check.
func CheckSignature(provider payment.Method, secret string, header http.Header, raw []byte, names ...string) error {
	if secret == "" {
		return nil
	}
	var got string
	for _, n := range names {
		if v := strings.TrimSpace(header.Get(n)); v != "" {
			got = v
			break
		}
	}
	if got == "" {
		return Malformed(provider, "missing webhook signature", nil)
	}
	got = strings.TrimPrefix(strings.ToLower(got), "sha256=")
	want := Sign(secret, raw)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return Malformed(provider, "webhook signature mismatch", nil)
	}
	return nil
}

// DecodeWebhook validates raw against the provider's contract and decodes
// it into out. Every failure is a MalformedPayloadError.
func DecodeWebhook(provider payment.Method, contract *monitor.ContractMonitor, raw []byte, out any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Malformed(provider, "empty body", nil)
	}
	if contract != nil {
		if err := contract.Check(raw); err != nil {
			return Malformed(provider, "payload rejected by "+contract.Name(), err)
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Malformed(provider, "undecodable payload", err)
	}
	return nil
}
