package rails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Statuses shared across adapters. Rails may report their own vocabulary;
// these are the ones this package emits itself.
const (
	StatusConfirmed = "CONFIRMED"
	StatusSimulated = "SIMULATED"
	StatusQueued    = "QUEUED"
)

// ErrConfig marks a rail whose endpoint or credentials are missing.
var ErrConfig = errors.New("rail not configured")

// RemoteError is a non-success response from an upstream rail call.
type RemoteError struct {
	Rail   string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s upstream error %d", e.Rail, e.Status)
}

// Request is the normalized intent every adapter accepts.
type Request struct {
	AmountMinor  int64
	Currency     string
	Purpose      string
	Memo         string
	Counterparty string
}

// Result is the normalized outcome every adapter returns.
type Result struct {
	Status    string
	Reference string
	Raw       json.RawMessage
}

// Adapter executes one payment attempt on a single rail. Implementations
// share this contract so the dispatcher never branches on rail-specific
// fields.
type Adapter interface {
	Execute(ctx context.Context, req Request) (Result, error)
}
