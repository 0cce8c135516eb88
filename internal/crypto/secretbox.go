package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// EncryptCredentials encrypts plaintext with AES-256-GCM under the process-wide master key. The
// hexKey must be exactly 64 hex characters (32 bytes). The returned string is
// base64(nonce || tag || body); the tag rides ahead of the body on the wire.
func EncryptCredentials(plaintext []byte, hexKey string) (string, error) {
	gcm, err := newGCM(hexKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	_, _ = rand.Read(nonce)

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	// Seal appends the tag after the body; reorder to nonce || tag || body.
	tagAt := len(sealed) - gcm.Overhead()
	body, tag := sealed[:tagAt], sealed[tagAt:]

	out := make([]byte, 0, len(nonce)+len(tag)+len(body))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, body...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptCredentials reverses EncryptCredentials.
func DecryptCredentials(encoded, hexKey string) ([]byte, error) {
	gcm, err := newGCM(hexKey)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := gcm.NonceSize()
	tagSize := gcm.Overhead()
	if len(data) < nonceSize+tagSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := data[:nonceSize]
	tag := data[nonceSize : nonceSize+tagSize]
	body := data[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(hexKey string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
