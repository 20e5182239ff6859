package store

import (
	"context"
	"time"

	"agentpay/pkg/models"
)

// InboundStore is the append-only inbound event log. Events are persisted
// whether or not their signature verified.
type InboundStore struct {
	DB DB
}

func (s *InboundStore) Insert(ctx context.Context, evt *models.InboundEvent) error {
	if evt.ReceivedAt == 0 {
		evt.ReceivedAt = time.Now().UTC().UnixMilli()
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO inbound_events (source, event_type, payload, signature_valid, received_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, evt.Source, evt.EventType, evt.Payload, evt.SignatureValid, evt.ReceivedAt)
	return row.Scan(&evt.ID)
}

func (s *InboundStore) List(ctx context.Context, limit int) ([]models.InboundEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, source, event_type, payload, signature_valid, received_at
		FROM inbound_events ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.InboundEvent{}
	for rows.Next() {
		var evt models.InboundEvent
		if err := rows.Scan(&evt.ID, &evt.Source, &evt.EventType, &evt.Payload, &evt.SignatureValid, &evt.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
