package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewRandomToken returns n bytes of CSPRNG output, base64url encoded.
func NewRandomToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
