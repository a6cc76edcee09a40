package pubserver

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashOf is the content-addressing hash RFC 8181/RRDP reference objects
// by: lowercase hex SHA-256 of the object bytes.
func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
