package store

import (
	"context"

	"agentpay/pkg/models"
)

// MandateStore persists mandate rows with generated surrogate ids.
type MandateStore struct {
	DB DB
}

func (s *MandateStore) Create(ctx context.Context, m *models.Mandate) error {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO mandates (issuer_did, subject_did, scope, max_amount_minor, currency, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, m.IssuerDID, m.SubjectDID, m.Scope, m.MaxAmountMinor, m.Currency, m.ExpiresAt)
	return row.Scan(&m.ID)
}

func (s *MandateStore) List(ctx context.Context, limit int) ([]models.Mandate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, issuer_did, subject_did, scope, max_amount_minor, currency, expires_at
		FROM mandates ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Mandate{}
	for rows.Next() {
		var m models.Mandate
		if err := rows.Scan(&m.ID, &m.IssuerDID, &m.SubjectDID, &m.Scope, &m.MaxAmountMinor, &m.Currency, &m.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MandateStore) Delete(ctx context.Context, id int64) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM mandates WHERE id=$1`, id)
	return err
}
