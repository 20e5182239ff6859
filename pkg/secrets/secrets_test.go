package secrets

import (
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := ParseKey(strings.Repeat("k", 32))
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	return key
}

func TestParseKey(t *testing.T) {
	if _, err := ParseKey("short"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	raw := strings.Repeat("a", 32)
	key, err := ParseKey(raw)
	if err != nil {
		t.Fatalf("raw key: %v", err)
	}
	if string(key) != raw {
		t.Fatal("raw key mangled")
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(raw))
	key, err = ParseKey(encoded)
	if err != nil {
		t.Fatalf("base64 key: %v", err)
	}
	if string(key) != raw {
		t.Fatal("base64 key not decoded")
	}
}

func TestParseKeyRawKeyInBase64Alphabet(t *testing.T) {
	// A 32-char hex string is valid base64 that decodes to 24 bytes;
	// the raw reading must win.
	raw := "0123456789abcdef0123456789abcdef"
	key, err := ParseKey(raw)
	if err != nil {
		t.Fatalf("raw hex-shaped key: %v", err)
	}
	if string(key) != raw {
		t.Fatalf("expected raw bytes kept, got %q", key)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	values := []interface{}{
		map[string]interface{}{"a": "b", "nested": map[string]interface{}{"n": float64(7)}},
		[]interface{}{"x", float64(1), true, nil},
		"plain string",
		float64(42),
	}
	for _, v := range values {
		ct, err := EncryptJSON(v, key)
		if err != nil {
			t.Fatalf("encrypt %v: %v", v, err)
		}
		var out interface{}
		if err := DecryptJSON(ct, key, &out); err != nil {
			t.Fatalf("decrypt %v: %v", v, err)
		}
		if !reflect.DeepEqual(out, v) {
			t.Fatalf("round trip mismatch: got %v want %v", out, v)
		}
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key := testKey(t)
	ct, err := EncryptJSON("secret", key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	other, _ := ParseKey(strings.Repeat("x", 32))
	var out string
	if err := DecryptJSON(ct, other, &out); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if out != "" {
		t.Fatal("plaintext leaked on failed decrypt")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key := testKey(t)
	ct, err := EncryptJSON(map[string]string{"k": "v"}, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	sealed, _ := base64.StdEncoding.DecodeString(ct)
	sealed[len(sealed)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(sealed)
	var out map[string]string
	if err := DecryptJSON(tampered, key, &out); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if err := DecryptJSON("%%%", key, &out); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for bad base64, got %v", err)
	}
	if err := DecryptJSON(base64.StdEncoding.EncodeToString([]byte("shrt")), key, &out); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for short blob, got %v", err)
	}
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"amount":500,"currency":"USDC"}`)
	sig := SignHMAC(body, "topsecret")
	if !VerifyHMAC(body, sig, "topsecret") {
		t.Fatal("expected valid signature")
	}
	if !VerifyHMAC(body, SignHMAC(body, "topsecret"), "topsecret") {
		t.Fatal("expected stable under recomputation")
	}
	flipped := []byte(string(body))
	flipped[0] ^= 0x01
	if VerifyHMAC(flipped, sig, "topsecret") {
		t.Fatal("expected flipped body to fail")
	}
	badSig := []byte(sig)
	if badSig[0] == 'a' {
		badSig[0] = 'b'
	} else {
		badSig[0] = 'a'
	}
	if VerifyHMAC(body, string(badSig), "topsecret") {
		t.Fatal("expected flipped signature to fail")
	}
	if VerifyHMAC(body, sig, "othersecret") {
		t.Fatal("expected wrong secret to fail")
	}
	if VerifyHMAC(body, "", "topsecret") || VerifyHMAC(body, sig, "") {
		t.Fatal("expected empty signature/secret to fail")
	}
	if VerifyHMAC(body, "zz-not-hex", "topsecret") {
		t.Fatal("expected non-hex signature to fail")
	}
}
