package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint hashes the parts into a stable hex key. Parts are joined with a
// separator that cannot appear in normalized text so ("a", "bc") != ("ab", "c").
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
