package dispatch

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"agentpay/pkg/credential"
	"agentpay/pkg/models"
	"agentpay/pkg/plan"
	"agentpay/pkg/rails"
)

// StatusFailed is recorded when a rail call reaches the upstream but does not
// succeed. The receipt keeps the audit trail; the error is still surfaced.
const StatusFailed = "FAILED"

var (
	nowFn     = time.Now
	logPrintf = log.Printf
)

// ReceiptSink persists receipts. Satisfied by store.ReceiptStore.
type ReceiptSink interface {
	Insert(ctx context.Context, rec *models.Receipt) error
}

// Notifier fans recorded receipts out to live consumers. Optional.
type Notifier interface {
	Notify(eventType string, data interface{})
}

// Dispatcher drives one payment plan from validation to a recorded receipt.
// Exactly one adapter is invoked per plan; there is no cross-rail fallback.
type Dispatcher struct {
	SigningKey ed25519.PrivateKey
	Adapters   map[string]rails.Adapter
	Receipts   ReceiptSink
	Notifier   Notifier
}

type receiptDetails struct {
	Reference         string          `json:"reference,omitempty"`
	Counterparty      string          `json:"counterparty"`
	AmountMinor       int64           `json:"amount_minor"`
	Currency          string          `json:"currency"`
	CredentialPreview string          `json:"credential_preview"`
	Raw               json.RawMessage `json:"raw,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Execute validates the plan, issues the mandate credential, runs the rail
// adapter and records the receipt. A rejected plan produces no receipt and no
// rail call. Once the rail is invoked a receipt is always written, failure
// included, and the adapter error is returned alongside it.
func (d *Dispatcher) Execute(ctx context.Context, p models.PaymentPlan) (models.Receipt, error) {
	now := nowFn()
	state := Received

	if verr := plan.Validate(p, now); verr != nil {
		state, _ = Transition(state, Rejected)
		logPrintf("dispatch rejected state=%s reason=%s", state, verr.Reason)
		return models.Receipt{}, verr
	}
	state, _ = Transition(state, Validated)

	token, err := credential.Issue(p.Mandate, d.SigningKey, now)
	if err != nil {
		return models.Receipt{}, err
	}
	state, _ = Transition(state, CredentialIssued)
	logPrintf("dispatch credential issued state=%s preview=%s", state, credential.Preview(token))

	adapter, ok := d.Adapters[p.Intent.Rail]
	if !ok {
		return models.Receipt{}, fmt.Errorf("%w: no adapter for %s", rails.ErrConfig, p.Intent.Rail)
	}

	result, execErr := adapter.Execute(ctx, rails.Request{
		AmountMinor:  p.Intent.AmountMinor,
		Currency:     p.Intent.Currency,
		Purpose:      p.Mandate.Scope,
		Memo:         p.Intent.Memo,
		Counterparty: p.Intent.Counterparty,
	})
	state, _ = Transition(state, RailDispatched)

	details := receiptDetails{
		Reference:         result.Reference,
		Counterparty:      p.Intent.Counterparty,
		AmountMinor:       p.Intent.AmountMinor,
		Currency:          p.Intent.Currency,
		CredentialPreview: credential.Preview(token),
		Raw:               result.Raw,
	}
	status := result.Status
	if execErr != nil {
		status = StatusFailed
		details.Error = execErr.Error()
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("receipt details: %w", err)
	}

	rec := models.Receipt{Rail: p.Intent.Rail, Status: status, Details: raw}
	if err := d.Receipts.Insert(ctx, &rec); err != nil {
		return rec, fmt.Errorf("record receipt: %w", err)
	}
	state, _ = Transition(state, Recorded)
	logPrintf("dispatch recorded state=%s rail=%s status=%s id=%d", state, rec.Rail, rec.Status, rec.ID)

	if d.Notifier != nil {
		d.Notifier.Notify("receipt.recorded", rec)
	}
	return rec, execErr
}
