package peers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPubkey = errors.New("invalid public key")

// NormalizePubkey maps every accepted spelling of a member key onto its
// x-only form: lowercase hex, 64 characters, parity prefix removed.
func NormalizePubkey(pubkey string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(pubkey))
	if len(k) == 66 && (strings.HasPrefix(k, "02") || strings.HasPrefix(k, "03")) {
		k = k[2:]
	}
	if len(k) != 64 {
		return "", fmt.Errorf("%w: %d characters", ErrInvalidPubkey, len(k))
	}
	if _, err := hex.DecodeString(k); err != nil {
		return "", fmt.Errorf("%w: not hex", ErrInvalidPubkey)
	}
	return k, nil
}

// SamePeer reports whether a and b name the same member.
func SamePeer(a, b string) bool {
	na, err := NormalizePubkey(a)
	if err != nil {
		return false
	}
	nb, err := NormalizePubkey(b)
	return err == nil && na == nb
}
