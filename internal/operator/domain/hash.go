package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashOperatorKey hashes the raw key using the same strategy as key creation.
func HashOperatorKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
