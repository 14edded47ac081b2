package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashKeyPart returns a stable hex digest of v for use in backend keys, so
// logins and client addresses never appear verbatim in Redis.
func HashKeyPart(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:16])
}
