package audit

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Digest computes the hex digest callers attach to audit entries for
// before/after payload snapshots. Empty payloads produce an empty digest.
func Digest(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
