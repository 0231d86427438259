package relationship

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashTarget computes a privacy-preserving, user-salted digest of a
// target DID: SHA-256(target || user || secret). Salting with the
// viewing user's own DID means the same target hashes differently for
// every user, so the plaintext relationship graph can't be reconstructed
// from the hashed table alone even by someone with database access.
func hashTarget(target, user, secret string) string {
	h := sha256.New()
	h.Write([]byte(target))
	h.Write([]byte(user))
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}
