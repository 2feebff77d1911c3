// Package policy maps each provider's proprietary status vocabulary onto the
// local transaction lifecycle. Rules are govaluate expressions evaluated
// against two parameters: status (the remote token, trimmed and lower-cased)
// and provider (the payment method name). The first matching rule in
// priority order decides; when none matches the payment is still pending.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/yourorg/storefront-payments/internal/payment"
)

// Rule maps remote statuses matching Expression onto Status.
type Rule struct {
	ID         string
	Expression string
	Priority   int // lower runs first; ties keep declaration order
	Status     payment.Status
}

// Decision is the outcome of normalizing one remote status.
type Decision struct {
	Status  payment.Status
	RuleID  string // "" when no rule matched
	Matched bool
}

type compiledRule struct {
	Rule
	expr *govaluate.EvaluableExpression
}

// NormalizationPolicy evaluates compiled rules in priority order.
type NormalizationPolicy struct {
	rules []compiledRule
}

// DefaultRules is the built-in vocabulary for the supported providers.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:         "success_family",
			Priority:   1,
			Status:     payment.StatusPaymentCompleted,
			Expression: "status IN ('success', 'successful', 'succeeded', 'completed', 'paid', 'pay_success')",
		},
		{
			ID:         "failure_family",
			Priority:   2,
			Status:     payment.StatusCancelled,
			Expression: "status IN ('failed', 'failure', 'cancelled', 'canceled', 'declined', 'expired', 'reversed', 'pay_failed', 'order_closed')",
		},
	}
}

// NewNormalizationPolicy compiles rules. Rules must have a non-empty
// expression and map onto a terminal status.
func NewNormalizationPolicy(rules []Rule) (*NormalizationPolicy, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.Expression) == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		if !r.Status.IsTerminal() {
			return nil, fmt.Errorf("policy rule ID '%s' must map to a terminal status, got %q", r.ID, r.Status)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})
	return &NormalizationPolicy{rules: compiled}, nil
}

// MustDefault returns the policy built from DefaultRules.
func MustDefault() *NormalizationPolicy {
	p, err := NewNormalizationPolicy(DefaultRules())
	if err != nil {
		panic(err)
	}
	return p
}

// Normalize maps a remote status token onto the local vocabulary.
func (p *NormalizationPolicy) Normalize(provider payment.Method, remoteStatus string) (Decision, error) {
	token := strings.ToLower(strings.TrimSpace(remoteStatus))
	pending := Decision{Status: payment.StatusPaymentInitiated}
	if token == "" {
		return pending, nil
	}

	params := map[string]interface{}{
		"status":   token,
		"provider": string(provider),
	}
	for _, r := range p.rules {
		result, err := r.expr.Evaluate(params)
		if err != nil {
			return pending, fmt.Errorf("evaluating rule ID '%s': %w", r.ID, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return pending, fmt.Errorf("rule ID '%s' returned %T, want bool", r.ID, result)
		}
		if matched {
			return Decision{Status: r.Status, RuleID: r.ID, Matched: true}, nil
		}
	}
	return pending, nil
}
