package security

import (
	"crypto/rand"
	"encoding/base64"
	"math"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

const (
	// MinSecretLength is the shortest secret accepted without a warning.
	// Secrets issued by older deployments are 32 characters long.
	MinSecretLength = 32

	// GeneratedSecretBytes encodes to 48 URL-safe base64 characters.
	GeneratedSecretBytes = 36

	// MinEntropy is the minimum Shannon entropy threshold for secrets.
	MinEntropy = 3.5
)

var forbiddenSecrets = map[string]bool{
	"replace-with-secret":     true,
	"github-webhook-password": true,
	"topsecret":               true,
	"secret":                  true,
	"password":                true,
	"changeme":                true,
}

// ValidateSecret reports why a webhook secret is unsafe, or nil.
// Checks length, placeholder values and Shannon entropy.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return goerr.New("secret too short",
			goerr.V("min_length", MinSecretLength), goerr.V("length", len(secret)))
	}

	secretLower := strings.ToLower(secret)
	if forbiddenSecrets[secretLower] ||
		strings.Contains(secretLower, "replace") ||
		strings.Contains(secretLower, "changeme") ||
		strings.Contains(secretLower, "password") {
		return goerr.New("secret appears to be a placeholder value")
	}

	if entropy := calculateEntropy(secret); entropy < MinEntropy {
		return goerr.New("secret has insufficient entropy",
			goerr.V("entropy", math.Round(entropy*100)/100), goerr.V("min_entropy", MinEntropy))
	}

	return nil
}

// GenerateSecret creates a cryptographically secure random secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, GeneratedSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", goerr.Wrap(err, "failed to generate random secret")
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// calculateEntropy computes the Shannon entropy of a string in bits per
// character.
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	var entropy float64
	length := float64(len(s))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}

// IsWeakSecret is a cheaper check than ValidateSecret, used for warnings
// when projects are loaded.
func IsWeakSecret(secret string) bool {
	if len(secret) < MinSecretLength {
		return true
	}

	if len(strings.Trim(secret, string(secret[0]))) == 0 {
		return true
	}

	if isSequential(secret) {
		return true
	}

	return calculateEntropy(secret) < 2.5
}

// isSequential reports whether more than 70% of adjacent characters step by one.
func isSequential(s string) bool {
	if len(s) < 4 {
		return false
	}

	sequential := 0
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1]+1 || s[i] == s[i-1]-1 {
			sequential++
		}
	}

	return float64(sequential) > float64(len(s))*0.7
}
