package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultSecretBytes is the random secret size used when issuance does
	// not ask for a specific length. 32 bytes encode to 64 hex characters.
	DefaultSecretBytes = 32

	// MinSecretChars is the minimum number of characters ValidateFormat
	// accepts after the prefix.
	MinSecretChars = 32

	// StartChars is how many characters of the secret, beyond the prefix,
	// form the stored lookup prefix. len(start) == StartChars + len(prefix).
	StartChars = 6

	// HashCost is the bcrypt cost for stored secrets. Two above DefaultCost
	// keeps a single comparison around 100ms on current hardware.
	HashCost = bcrypt.DefaultCost + 2

	// bcrypt hashes at most 72 bytes of input; longer plaintexts would be
	// silently truncated, so generation rejects them outright.
	maxPlaintextLen = 72
)

// Generate produces a new credential: a cryptographically random secret of
// secretBytes bytes, hex-encoded and prepended with the optional prefix. It
// returns the plaintext (shown to the caller exactly once), the bcrypt hash
// to persist, and the derived lookup prefix.
func Generate(secretBytes int, prefix string) (plaintext, hashedSecret, start string, err error) {
	if secretBytes <= 0 {
		secretBytes = DefaultSecretBytes
	}
	if 2*secretBytes < MinSecretChars {
		return "", "", "", fmt.Errorf("secret of %d bytes is below the %d-character minimum", secretBytes, MinSecretChars)
	}
	if len(prefix)+2*secretBytes > maxPlaintextLen {
		return "", "", "", fmt.Errorf("prefix plus %d-byte secret exceeds the %d-byte hash input limit", secretBytes, maxPlaintextLen)
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate secret: %w", err)
	}
	plaintext = prefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), HashCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash secret: %w", err)
	}

	return plaintext, string(hash), Start(plaintext, prefix), nil
}

// Start derives the stored lookup prefix from a plaintext credential: its
// first StartChars+len(prefix) characters. It is a non-secret index used
// only to narrow candidate lookup, never to authenticate.
func Start(plaintext, prefix string) string {
	return plaintext[:StartChars+len(prefix)]
}

// ValidateFormat is a cheap structural pre-filter applied before any store
// access or hashing work. It rejects candidates that are too short, carry
// the wrong prefix, or contain characters outside the generation charset.
func ValidateFormat(candidate, prefix string) bool {
	if len(candidate) < len(prefix)+MinSecretChars {
		return false
	}
	if candidate[:len(prefix)] != prefix {
		return false
	}
	for _, c := range candidate[len(prefix):] {
		if !isLowerHex(c) {
			return false
		}
	}
	return true
}

func isLowerHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
