package plan

import (
	"testing"
	"time"

	"agentpay/pkg/models"
)

func validPlan(now time.Time) models.PaymentPlan {
	return models.PaymentPlan{
		Mandate: models.Mandate{
			IssuerDID:      "did:web:issuer.example",
			SubjectDID:     "did:key:z6Mk",
			Scope:          models.ScopeTip,
			MaxAmountMinor: 10_000_000,
			Currency:       "USDC",
			ExpiresAt:      now.Add(time.Hour).UnixMilli(),
		},
		Intent: models.Intent{
			AmountMinor:  500,
			Currency:     "USDC",
			Counterparty: "cb:mlr",
			Rail:         models.RailX402,
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	now := time.Now().UTC()
	if err := Validate(validPlan(now), now); err != nil {
		t.Fatalf("expected valid plan, got %v", err)
	}
}

func TestValidateFirstFailureWins(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name   string
		mutate func(*models.PaymentPlan)
		reason string
		field  string
	}{
		{"missing issuer", func(p *models.PaymentPlan) { p.Mandate.IssuerDID = "" }, ReasonMissingField, "mandate.issuer_did"},
		{"missing subject", func(p *models.PaymentPlan) { p.Mandate.SubjectDID = "" }, ReasonMissingField, "mandate.subject_did"},
		{"missing counterparty", func(p *models.PaymentPlan) { p.Intent.Counterparty = "" }, ReasonMissingField, "intent.counterparty"},
		{"missing rail", func(p *models.PaymentPlan) { p.Intent.Rail = "" }, ReasonMissingField, "intent.rail"},
		{"bad scope", func(p *models.PaymentPlan) { p.Mandate.Scope = "REFUND" }, ReasonBadScope, "mandate.scope"},
		{"zero mandate limit", func(p *models.PaymentPlan) { p.Mandate.MaxAmountMinor = 0 }, ReasonBadMandateLimit, "mandate.max_amount_minor"},
		{"negative mandate limit", func(p *models.PaymentPlan) { p.Mandate.MaxAmountMinor = -5 }, ReasonBadMandateLimit, "mandate.max_amount_minor"},
		{"currency mismatch", func(p *models.PaymentPlan) { p.Intent.Currency = "EUR" }, ReasonCurrency, "intent.currency"},
		{"zero amount", func(p *models.PaymentPlan) { p.Intent.AmountMinor = 0 }, ReasonAmountInvalid, "intent.amount_minor"},
		{"negative amount", func(p *models.PaymentPlan) { p.Intent.AmountMinor = -1 }, ReasonAmountInvalid, "intent.amount_minor"},
		{"over limit", func(p *models.PaymentPlan) { p.Intent.AmountMinor = p.Mandate.MaxAmountMinor + 1 }, ReasonAmountExceeded, "intent.amount_minor"},
		{"expired", func(p *models.PaymentPlan) { p.Mandate.ExpiresAt = now.Add(-time.Minute).UnixMilli() }, ReasonMandateExpired, "mandate.expires_at"},
		{"unknown rail", func(p *models.PaymentPlan) { p.Intent.Rail = "SEPA" }, ReasonBadRail, "intent.rail"},
	}
	for _, tc := range cases {
		p := validPlan(now)
		tc.mutate(&p)
		err := Validate(p, now)
		if err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if err.Reason != tc.reason || err.Field != tc.field {
			t.Fatalf("%s: got %s/%s want %s/%s", tc.name, err.Reason, err.Field, tc.reason, tc.field)
		}
	}
}

func TestValidateExpiredRegardlessOfAmount(t *testing.T) {
	now := time.Now().UTC()
	p := validPlan(now)
	p.Mandate.ExpiresAt = now.UnixMilli()
	p.Intent.AmountMinor = 1
	err := Validate(p, now)
	if err == nil || err.Reason != ReasonMandateExpired {
		t.Fatalf("expected MANDATE_EXPIRED, got %v", err)
	}
}

func TestValidateAmountOverLimitAlwaysRejected(t *testing.T) {
	now := time.Now().UTC()
	for _, amount := range []int64{10_000_001, 20_000_000, 1 << 40} {
		p := validPlan(now)
		p.Intent.AmountMinor = amount
		err := Validate(p, now)
		if err == nil || err.Reason != ReasonAmountExceeded {
			t.Fatalf("amount %d: expected AMOUNT_EXCEEDS_MANDATE, got %v", amount, err)
		}
	}
}
