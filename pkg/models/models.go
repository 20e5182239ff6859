package models

import (
	"encoding/json"
	"time"
)

// Rail identifies a payment execution backend.
const (
	RailX402 = "X402"
	RailCard = "CARD"
)

// Scope enumerates the purposes a mandate may authorize.
const (
	ScopeTip          = "TIP"
	ScopePurchase     = "PURCHASE"
	ScopeSubscription = "SUBSCRIPTION"
)

// Mandate is a scope-limited authorization granted by an issuer to a subject.
// Immutable once issued; amounts are minor currency units, expiry is epoch ms.
type Mandate struct {
	ID             int64  `json:"id,omitempty"`
	IssuerDID      string `json:"issuer_did"`
	SubjectDID     string `json:"subject_did"`
	Scope          string `json:"scope"`
	MaxAmountMinor int64  `json:"max_amount_minor"`
	Currency       string `json:"currency"`
	ExpiresAt      int64  `json:"expires_at"`
}

// Expired reports whether the mandate's expiry is at or before now.
func (m Mandate) Expired(now time.Time) bool {
	return now.UnixMilli() >= m.ExpiresAt
}

// Intent is a concrete requested payment submitted against a mandate.
type Intent struct {
	AmountMinor  int64  `json:"amount_minor"`
	Currency     string `json:"currency"`
	Memo         string `json:"memo,omitempty"`
	Counterparty string `json:"counterparty"`
	Rail         string `json:"rail"`
}

// PaymentPlan pairs a mandate and an intent; it is the unit of validation.
type PaymentPlan struct {
	Mandate Mandate `json:"mandate"`
	Intent  Intent  `json:"intent"`
}

// Receipt is the immutable record of one execution attempt.
type Receipt struct {
	ID        int64           `json:"id,omitempty"`
	Rail      string          `json:"rail"`
	Status    string          `json:"status"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// InboundEvent is an append-only audit record of one inbound callback.
// Persisted regardless of signature verification outcome.
type InboundEvent struct {
	ID             int64           `json:"id,omitempty"`
	Source         string          `json:"source"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	SignatureValid bool            `json:"signature_valid"`
	ReceivedAt     int64           `json:"received_at"`
}

// RailConfig holds the crypto-rail facilitator credentials. The plaintext
// form exists only transiently; persistence is a single encrypted blob.
type RailConfig struct {
	FacilitatorURL string `json:"facilitator_url"`
	WalletAddress  string `json:"wallet_address"`
	APIKeyID       string `json:"api_key_id"`
	APIKeySecret   string `json:"api_key_secret"`
}

// RedactedRailConfig is the display projection of RailConfig.
type RedactedRailConfig struct {
	FacilitatorURL string `json:"facilitator_url"`
	WalletAddress  string `json:"wallet_address"`
	APIKeyID       string `json:"api_key_id"`
	APIKeySecret   string `json:"api_key_secret"`
	Configured     bool   `json:"configured"`
}

// KnownRail reports whether rail names a supported adapter.
func KnownRail(rail string) bool {
	switch rail {
	case RailX402, RailCard:
		return true
	default:
		return false
	}
}

// KnownScope reports whether scope names a recognized mandate purpose.
func KnownScope(scope string) bool {
	switch scope {
	case ScopeTip, ScopePurchase, ScopeSubscription:
		return true
	default:
		return false
	}
}
