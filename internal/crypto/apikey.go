package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// API-key environment tokens. The project environment decides which one a key carries.
const (
	EnvDev  = "dev"
	EnvStg  = "stg"
	EnvLive = "live"
)

const (
	apiKeyRandomBytes = 24 // 192 bits of entropy per key
	apiKeyRandomChars = 33 // ceil(192 / log2(62))

	keyPrefixLen = 8
	keySuffixLen = 4
)

// ValidEnv reports whether env is one of the known environment tokens.
func ValidEnv(env string) bool {
	switch env {
	case EnvDev, EnvStg, EnvLive:
		return true
	}
	return false
}

// GenerateAPIKey returns a fresh plaintext API key of the form "gk_{env}_{random}". The random
// part encodes 192 bits in base62 and is zero-padded to a fixed width so every key has the same
// length. The plaintext is shown to the caller exactly once; only its hash is stored.
func GenerateAPIKey(env string) (string, error) {
	if !ValidEnv(env) {
		return "", fmt.Errorf("unknown key environment %q", env)
	}

	b := make([]byte, apiKeyRandomBytes)
	_, _ = rand.Read(b)

	var n big.Int
	n.SetBytes(b)
	encoded := n.Text(62)
	if pad := apiKeyRandomChars - len(encoded); pad > 0 {
		encoded = strings.Repeat("0", pad) + encoded
	}

	return "gk_" + env + "_" + encoded, nil
}

// HashAPIKey returns the hex-encoded SHA-256 of the whole plaintext token. Lookups go through
// this hash; the plaintext never touches the database.
func HashAPIKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix returns the first 8 characters of the token, kept for display and support lookups.
func KeyPrefix(token string) string {
	if len(token) < keyPrefixLen {
		return token
	}
	return token[:keyPrefixLen]
}

// KeySuffix returns the last 4 characters of the token.
func KeySuffix(token string) string {
	if len(token) < keySuffixLen {
		return token
	}
	return token[len(token)-keySuffixLen:]
}
