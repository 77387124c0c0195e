package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MerkleRoot folds hex-encoded leaf hashes pairwise with SHA-256, duplicating the
// last node of an odd level. A single leaf is its own root.
func MerkleRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return "", fmt.Errorf("merkle root of empty set")
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		b, err := hex.DecodeString(leaf)
		if err != nil {
			return "", fmt.Errorf("invalid leaf hash %q: %w", leaf, err)
		}
		level[i] = b
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}
