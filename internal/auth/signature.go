package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix precedes the hex digest in X-Hub-Signature-256.
const SignaturePrefix = "sha256="

func digest(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign returns the signature header value a sender would compute for payload.
func Sign(payload []byte, secret string) string {
	return SignaturePrefix + hex.EncodeToString(digest(payload, secret))
}

// VerifySignature checks a "sha256=<hex>" header value against payload. An
// empty secret never verifies.
func VerifySignature(payload []byte, signature, secret string) bool {
	encoded, ok := strings.CutPrefix(signature, SignaturePrefix)
	if !ok || secret == "" {
		return false
	}
	received, err := hex.DecodeString(encoded)
	if err != nil || len(received) != sha256.Size {
		return false
	}
	return hmac.Equal(digest(payload, secret), received)
}
