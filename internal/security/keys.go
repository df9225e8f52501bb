package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySet holds the per-purpose keys expanded from the configured master
// secret. Access, refresh and CSRF material are independent HKDF
// expansions: compromise of one cannot be used to mint the others.
type KeySet struct {
	Access  []byte
	Refresh []byte
	CSRF    []byte
}

const keyLen = 32

func DeriveKeys(master []byte) (*KeySet, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("master key too short: need at least 32 bytes, got %d", len(master))
	}
	ks := &KeySet{}
	for _, k := range []struct {
		info string
		dst  *[]byte
	}{
		{"access-token-signing", &ks.Access},
		{"refresh-token-signing", &ks.Refresh},
		{"csrf-token-derivation", &ks.CSRF},
	} {
		buf := make([]byte, keyLen)
		r := hkdf.New(sha256.New, master, nil, []byte("secure-session-core/"+k.info))
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("derive %s key: %w", k.info, err)
		}
		*k.dst = buf
	}
	return ks, nil
}
