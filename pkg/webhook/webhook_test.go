package webhook

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"agentpay/pkg/models"
	"agentpay/pkg/secrets"
)

type memSink struct {
	events []*models.InboundEvent
	err    error
}

func (m *memSink) Insert(_ context.Context, evt *models.InboundEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, evt)
	return nil
}

func TestHandleVerifiesSignatureOverRawBytes(t *testing.T) {
	sink := &memSink{}
	v := &Verifier{Secret: "topsecret", Events: sink}
	body := []byte(`{"type":"settlement.confirmed","ref":"tx-9"}`)

	headers := http.Header{}
	headers.Set("X-Signature", secrets.SignHMAC(body, "topsecret"))

	ack, err := v.Handle(context.Background(), body, headers, url.Values{}, map[string]interface{}{"type": "settlement.confirmed"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !ack.Verified {
		t.Fatal("expected verified ack")
	}
	if ack.EventType != "settlement.confirmed" {
		t.Fatalf("event type = %q", ack.EventType)
	}
	if len(sink.events) != 1 || !sink.events[0].SignatureValid {
		t.Fatalf("expected one verified event, got %+v", sink.events)
	}
}

func TestHandleFallsBackToAltHeader(t *testing.T) {
	sink := &memSink{}
	v := &Verifier{Secret: "topsecret", Events: sink}
	body := []byte(`{"ok":true}`)

	headers := http.Header{}
	headers.Set("x-signature-hmac", secrets.SignHMAC(body, "topsecret"))

	ack, err := v.Handle(context.Background(), body, headers, url.Values{}, nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !ack.Verified {
		t.Fatal("alt header signature should verify")
	}
}

func TestHandlePersistsUnverifiedEvents(t *testing.T) {
	sink := &memSink{}
	v := &Verifier{Secret: "topsecret", Events: sink}
	body := []byte(`{"type":"refund.created"}`)

	headers := http.Header{}
	headers.Set("X-Signature", "deadbeef")

	ack, err := v.Handle(context.Background(), body, headers, url.Values{}, map[string]interface{}{"type": "refund.created"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack.Verified {
		t.Fatal("bad signature must not verify")
	}
	if len(sink.events) != 1 {
		t.Fatalf("unverified event must still be stored, got %d", len(sink.events))
	}
	if sink.events[0].SignatureValid {
		t.Fatal("stored event should record failed verification")
	}
}

func TestHandleSourceAndTypeDefaults(t *testing.T) {
	sink := &memSink{}
	v := &Verifier{Secret: "s", Events: sink}

	ack, err := v.Handle(context.Background(), []byte("not json"), http.Header{}, url.Values{}, nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack.Source != "unknown" || ack.EventType != "event" {
		t.Fatalf("defaults = %q/%q", ack.Source, ack.EventType)
	}
	if string(sink.events[0].Payload) != "{}" {
		t.Fatalf("non-JSON body should store empty object, got %s", sink.events[0].Payload)
	}
}

func TestHandleQueryOverridesBodyType(t *testing.T) {
	sink := &memSink{}
	v := &Verifier{Secret: "s", Events: sink}

	q := url.Values{}
	q.Set("source", "x402")
	q.Set("event_type", "transfer.settled")

	ack, err := v.Handle(context.Background(), []byte(`{"type":"other"}`), http.Header{}, q, map[string]interface{}{"type": "other"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack.Source != "x402" || ack.EventType != "transfer.settled" {
		t.Fatalf("query params should win, got %q/%q", ack.Source, ack.EventType)
	}
}
