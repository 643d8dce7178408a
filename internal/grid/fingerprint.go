package grid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// Fingerprint returns the hex SHA-256 digest of raw. Every row and cell is
// length-prefixed so distinct grids never serialize alike, e.g. [["ab"]] and
// [["a","b"]]. The salt strings are hashed after the grid; callers pass the
// extraction settings so that changing them invalidates earlier loads.
func Fingerprint(raw [][]string, salt ...string) string {
	h := sha256.New()
	writeLen(h, len(raw))
	for _, row := range raw {
		writeLen(h, len(row))
		for _, cell := range row {
			writeString(h, cell)
		}
	}
	writeLen(h, len(salt))
	for _, s := range salt {
		writeString(h, s)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeLen(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	_, _ = h.Write(buf[:])
}

func writeString(h hash.Hash, s string) {
	writeLen(h, len(s))
	_, _ = h.Write([]byte(s))
}
