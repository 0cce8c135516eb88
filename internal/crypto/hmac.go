package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignaturePrefix precedes the hex digest in the X-GateKit-Signature header.
const SignaturePrefix = "sha256="

// SignPayload computes HMAC-SHA256(secret, body) over the exact raw body bytes and returns the
// header value "sha256=<hex>". Receivers must recompute over the bytes as delivered; any
// re-serialization breaks the signature.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header against the raw body in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(SignPayload(secret, body)), []byte(header))
}
