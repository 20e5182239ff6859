package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"agentpay/pkg/models"
	"agentpay/pkg/secrets"
)

const (
	signatureHeader    = "X-Signature"
	signatureHeaderAlt = "X-Signature-Hmac"

	defaultSource    = "unknown"
	defaultEventType = "event"
)

// Ack is the acknowledgment returned for every inbound callback, verified
// or not.
type Ack struct {
	Verified  bool   `json:"verified"`
	Source    string `json:"source"`
	EventType string `json:"eventType"`
}

// EventSink receives the audit row for each callback.
type EventSink interface {
	Insert(ctx context.Context, evt *models.InboundEvent) error
}

// Verifier authenticates third-party callbacks over the raw request bytes.
// Verification failure is a recorded data point, not a rejection.
type Verifier struct {
	Secret string
	Events EventSink
}

// Handle verifies the signature over rawBody exactly as received and
// persists the event unconditionally with the verification outcome.
func (v *Verifier) Handle(ctx context.Context, rawBody []byte, headers http.Header, query url.Values, parsed map[string]interface{}) (Ack, error) {
	signature := headers.Get(signatureHeader)
	if signature == "" {
		signature = headers.Get(signatureHeaderAlt)
	}
	verified := secrets.VerifyHMAC(rawBody, signature, v.Secret)

	source := query.Get("source")
	if source == "" {
		source = defaultSource
	}
	eventType := query.Get("event_type")
	if eventType == "" {
		if t, ok := parsed["type"].(string); ok && t != "" {
			eventType = t
		} else {
			eventType = defaultEventType
		}
	}

	evt := &models.InboundEvent{
		Source:         source,
		EventType:      eventType,
		Payload:        eventPayload(rawBody, parsed),
		SignatureValid: verified,
	}
	if err := v.Events.Insert(ctx, evt); err != nil {
		return Ack{}, err
	}
	return Ack{Verified: verified, Source: source, EventType: eventType}, nil
}

func eventPayload(rawBody []byte, parsed map[string]interface{}) json.RawMessage {
	if json.Valid(rawBody) {
		return json.RawMessage(rawBody)
	}
	if parsed != nil {
		if b, err := json.Marshal(parsed); err == nil {
			return b
		}
	}
	return json.RawMessage(`{}`)
}
