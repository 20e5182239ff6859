package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrDecrypt    = errors.New("decrypt failed")
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")
)

// ParseKey accepts a raw 32-byte key or its base64 encoding. A raw key
// drawn from the base64 alphabet decodes to the wrong length, so the
// base64 reading only wins when it yields exactly 32 bytes.
func ParseKey(raw string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("%w, got %d", ErrInvalidKey, len(raw))
}

// EncryptJSON marshals v and seals it with AES-256-GCM. The random nonce is
// prepended to the ciphertext and the whole blob is base64 encoded.
func EncryptJSON(v interface{}, key []byte) (string, error) {
	if len(key) != 32 {
		return "", ErrInvalidKey
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal plaintext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptJSON reverses EncryptJSON into out. Tampered or truncated
// ciphertext and wrong keys fail with ErrDecrypt, never partial plaintext.
func DecryptJSON(ciphertext string, key []byte, out interface{}) error {
	if len(key) != 32 {
		return ErrInvalidKey
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	if len(sealed) < gcm.NonceSize() {
		return fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("unmarshal plaintext: %w", err)
	}
	return nil
}

// SignHMAC computes a hex HMAC-SHA256 over body.
func SignHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks signature against the MAC of the exact raw bytes
// received. Comparison is constant time.
func VerifyHMAC(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
