package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// RandomHex returns byteLen random bytes hex-encoded. Used for webhook secrets and the
// per-config webhook path tokens, both of which must be URL-safe.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RandomToken returns byteLen random bytes base64url-encoded without padding. Used for
// single-use invite tokens.
func RandomToken(byteLen int) string {
	b := make([]byte, byteLen)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
