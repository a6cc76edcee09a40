package ca

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
)

// hashOf is the content-addressing hash used for publication atoms and
// manifest entries: lowercase hex SHA-256 of the object bytes.
func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// parsePrefixForASNCheck parses a ROA's prefix string so its address
// family and bit length can be validated against the requested max-length.
func parsePrefixForASNCheck(s string) (netip.Prefix, error) {
	return netip.ParsePrefix(s)
}
