package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestEncryptDecryptCredentials(t *testing.T) {
	t.Parallel()
	plaintext := []byte(`{"botToken":"123:abc"}`)

	encrypted, err := EncryptCredentials(plaintext, testEncryptionKey)
	if err != nil {
		t.Fatalf("EncryptCredentials() error = %v", err)
	}
	if bytes.Contains([]byte(encrypted), plaintext) {
		t.Error("EncryptCredentials() leaked plaintext")
	}

	decrypted, err := DecryptCredentials(encrypted, testEncryptionKey)
	if err != nil {
		t.Fatalf("DecryptCredentials() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("DecryptCredentials() = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptCredentialsLayout(t *testing.T) {
	t.Parallel()
	plaintext := []byte("credentials")

	encrypted, err := EncryptCredentials(plaintext, testEncryptionKey)
	if err != nil {
		t.Fatalf("EncryptCredentials() error = %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		t.Fatalf("ciphertext is not base64: %v", err)
	}
	// 12-byte nonce, 16-byte tag, then the body.
	if want := 12 + 16 + len(plaintext); len(raw) != want {
		t.Errorf("ciphertext length = %d, want %d", len(raw), want)
	}

	// Flipping a tag bit must break authentication.
	raw[12] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)
	if _, err := DecryptCredentials(tampered, testEncryptionKey); err == nil {
		t.Error("DecryptCredentials() accepted a tampered tag")
	}
}

func TestDecryptCredentialsWrongKey(t *testing.T) {
	t.Parallel()
	wrongKey := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

	encrypted, err := EncryptCredentials([]byte("secret"), testEncryptionKey)
	if err != nil {
		t.Fatalf("EncryptCredentials() error = %v", err)
	}

	if _, err := DecryptCredentials(encrypted, wrongKey); err == nil {
		t.Error("DecryptCredentials() with wrong key should fail")
	}
}

func TestDecryptCredentialsCorruptedData(t *testing.T) {
	t.Parallel()

	if _, err := DecryptCredentials("not-valid-base64!!!", testEncryptionKey); err == nil {
		t.Error("DecryptCredentials() with corrupted data should fail")
	}
	if _, err := DecryptCredentials(base64.StdEncoding.EncodeToString([]byte("tiny")), testEncryptionKey); err == nil {
		t.Error("DecryptCredentials() with truncated data should fail")
	}
}

func TestEncryptCredentialsInvalidKey(t *testing.T) {
	t.Parallel()

	if _, err := EncryptCredentials([]byte("secret"), "not-hex"); err == nil {
		t.Error("EncryptCredentials() with invalid hex key should fail")
	}
}
