package railconfig

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"agentpay/pkg/models"
	"agentpay/pkg/secrets"
)

// SettingKey is the fixed setting name the encrypted blob lives under.
// Overwrite semantics, no versioning.
const SettingKey = "X402_CONFIG_ENC"

const defaultFacilitatorURL = "https://x402.org/facilitator"

// ErrInvalid marks a config that fails shape validation.
var ErrInvalid = errors.New("invalid rail config")

// Settings is the single-value persistence the store writes through.
type Settings interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Store persists the crypto-rail credentials encrypted at rest. Plaintext
// exists only transiently during save and use.
type Store struct {
	Settings Settings
	Key      []byte
}

func validate(cfg *models.RailConfig) error {
	if cfg.FacilitatorURL == "" {
		cfg.FacilitatorURL = defaultFacilitatorURL
	}
	parsed, err := url.Parse(cfg.FacilitatorURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: facilitator_url", ErrInvalid)
	}
	if len(cfg.WalletAddress) < 6 {
		return fmt.Errorf("%w: wallet_address", ErrInvalid)
	}
	if len(cfg.APIKeyID) < 8 {
		return fmt.Errorf("%w: api_key_id", ErrInvalid)
	}
	if len(cfg.APIKeySecret) < 16 {
		return fmt.Errorf("%w: api_key_secret", ErrInvalid)
	}
	return nil
}

// Save validates, encrypts and overwrites the stored config.
func (s *Store) Save(ctx context.Context, cfg models.RailConfig) error {
	if err := validate(&cfg); err != nil {
		return err
	}
	blob, err := secrets.EncryptJSON(cfg, s.Key)
	if err != nil {
		return fmt.Errorf("encrypt rail config: %w", err)
	}
	return s.Settings.Set(ctx, SettingKey, blob)
}

// Read decrypts the stored config. Absence is a valid state and returns
// (nil, nil); a blob that fails to decrypt is surfaced, never treated as
// "not configured".
func (s *Store) Read(ctx context.Context) (*models.RailConfig, error) {
	blob, err := s.Settings.Get(ctx, SettingKey)
	if err != nil {
		return nil, err
	}
	if blob == "" {
		return nil, nil
	}
	var cfg models.RailConfig
	if err := secrets.DecryptJSON(blob, s.Key, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadRedacted is the display projection: endpoint and wallet unmasked, key
// material reduced to a short preview.
func (s *Store) ReadRedacted(ctx context.Context) (*models.RedactedRailConfig, error) {
	cfg, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}
	return &models.RedactedRailConfig{
		FacilitatorURL: cfg.FacilitatorURL,
		WalletAddress:  cfg.WalletAddress,
		APIKeyID:       mask(cfg.APIKeyID),
		APIKeySecret:   mask(cfg.APIKeySecret),
		Configured:     true,
	}, nil
}

func mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return value[:4] + "••••"
}
