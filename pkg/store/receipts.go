package store

import (
	"context"
	"time"

	"agentpay/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the stores depend on.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ReceiptStore is the append-only receipt log. Rows are inserted once by the
// dispatcher and never mutated.
type ReceiptStore struct {
	DB DB
}

// Insert persists the receipt and fills in its surrogate id and timestamp.
func (s *ReceiptStore) Insert(ctx context.Context, rec *models.Receipt) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UTC().UnixMilli()
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO receipts (rail, status, details, created_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, rec.Rail, rec.Status, rec.Details, rec.CreatedAt)
	return row.Scan(&rec.ID)
}

// List returns the most recent receipts, newest first.
func (s *ReceiptStore) List(ctx context.Context, limit int) ([]models.Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, rail, status, details, created_at
		FROM receipts ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Receipt{}
	for rows.Next() {
		var rec models.Receipt
		if err := rows.Scan(&rec.ID, &rec.Rail, &rec.Status, &rec.Details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
