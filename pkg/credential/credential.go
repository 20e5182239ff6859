package credential

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"agentpay/pkg/models"
)

// ErrSigningKey marks an absent or malformed signing key. Surfaced to callers
// as a fatal misconfiguration; an invalid credential must never reach a rail.
var ErrSigningKey = errors.New("signing key absent or malformed")

// previewLen bounds how much of a token may ever be logged.
const previewLen = 42

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type claims struct {
	IssuerDID      string `json:"issuer_did"`
	SubjectDID     string `json:"subject_did"`
	Scope          string `json:"scope"`
	MaxAmountMinor int64  `json:"max_amount_minor"`
	Currency       string `json:"currency"`
	IssuedAt       int64  `json:"iat"`
	ExpiresAt      int64  `json:"exp"`
}

// ParseSigningKey decodes a PKCS#8 PEM ed25519 private key.
func ParseSigningKey(pemData string) (ed25519.PrivateKey, error) {
	if pemData == "" {
		return nil, ErrSigningKey
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: not PEM", ErrSigningKey)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningKey, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not ed25519", ErrSigningKey)
	}
	return key, nil
}

// EncodeSigningKey renders an ed25519 private key as PKCS#8 PEM.
func EncodeSigningKey(key ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// Issue signs the mandate into a compact JWS (EdDSA). The exp claim is the
// mandate expiry in seconds; iat is now.
func Issue(m models.Mandate, key ed25519.PrivateKey, now time.Time) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", ErrSigningKey
	}
	headerRaw, err := json.Marshal(header{Alg: "EdDSA", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payloadRaw, err := json.Marshal(claims{
		IssuerDID:      m.IssuerDID,
		SubjectDID:     m.SubjectDID,
		Scope:          m.Scope,
		MaxAmountMinor: m.MaxAmountMinor,
		Currency:       m.Currency,
		IssuedAt:       now.UTC().Unix(),
		ExpiresAt:      m.ExpiresAt / 1000,
	})
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerRaw) + "." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	sig := ed25519.Sign(key, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Preview returns a clearly truncated token prefix safe for log lines.
func Preview(token string) string {
	if len(token) <= previewLen {
		return token
	}
	return token[:previewLen] + "..."
}
