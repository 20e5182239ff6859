package plan

import (
	"fmt"
	"time"

	"agentpay/pkg/models"
)

// Reason codes, first failing check wins.
const (
	ReasonMissingField    = "MISSING_FIELD"
	ReasonBadScope        = "UNSUPPORTED_SCOPE"
	ReasonBadMandateLimit = "MANDATE_LIMIT_INVALID"
	ReasonCurrency        = "CURRENCY_MISMATCH"
	ReasonAmountInvalid   = "AMOUNT_INVALID"
	ReasonAmountExceeded  = "AMOUNT_EXCEEDS_MANDATE"
	ReasonMandateExpired  = "MANDATE_EXPIRED"
	ReasonBadRail         = "UNSUPPORTED_RAIL"
)

// ValidationError reports why a payment plan was rejected.
type ValidationError struct {
	Reason string
	Field  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan invalid: %s (%s)", e.Reason, e.Field)
}

func fail(reason, field string) *ValidationError {
	return &ValidationError{Reason: reason, Field: field}
}

// Validate checks a payment plan against its mandate. Pure function of the
// plan and now; checks run in a fixed order and the first failure is
// reported, never coerced.
func Validate(p models.PaymentPlan, now time.Time) *ValidationError {
	switch {
	case p.Mandate.IssuerDID == "":
		return fail(ReasonMissingField, "mandate.issuer_did")
	case p.Mandate.SubjectDID == "":
		return fail(ReasonMissingField, "mandate.subject_did")
	case p.Mandate.Currency == "":
		return fail(ReasonMissingField, "mandate.currency")
	case p.Mandate.ExpiresAt == 0:
		return fail(ReasonMissingField, "mandate.expires_at")
	case p.Intent.Counterparty == "":
		return fail(ReasonMissingField, "intent.counterparty")
	case p.Intent.Currency == "":
		return fail(ReasonMissingField, "intent.currency")
	case p.Intent.Rail == "":
		return fail(ReasonMissingField, "intent.rail")
	}
	if !models.KnownScope(p.Mandate.Scope) {
		return fail(ReasonBadScope, "mandate.scope")
	}
	if p.Mandate.MaxAmountMinor <= 0 {
		return fail(ReasonBadMandateLimit, "mandate.max_amount_minor")
	}
	if p.Intent.Currency != p.Mandate.Currency {
		return fail(ReasonCurrency, "intent.currency")
	}
	if p.Intent.AmountMinor <= 0 {
		return fail(ReasonAmountInvalid, "intent.amount_minor")
	}
	if p.Intent.AmountMinor > p.Mandate.MaxAmountMinor {
		return fail(ReasonAmountExceeded, "intent.amount_minor")
	}
	if p.Mandate.Expired(now) {
		return fail(ReasonMandateExpired, "mandate.expires_at")
	}
	if !models.KnownRail(p.Intent.Rail) {
		return fail(ReasonBadRail, "intent.rail")
	}
	return nil
}
