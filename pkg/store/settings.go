package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// SettingStore holds single opaque key/value settings. Writes are atomic
// upserts so readers never observe a partial value.
type SettingStore struct {
	DB DB
}

// Get returns the stored value, or "" when the key is absent.
func (s *SettingStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.DB.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set overwrites the value for key, last write wins.
func (s *SettingStore) Set(ctx context.Context, key, value string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value
	`, key, value)
	return err
}
