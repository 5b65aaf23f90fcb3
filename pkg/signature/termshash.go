package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CanonicalizeTerms trims, collapses internal whitespace runs to a single
// space, and lowercases agreement terms so that formatting differences do not
// change the hash.
func CanonicalizeTerms(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// TermsHash computes the canonical SHA-256 over terms, parties, and deadline
// in a fixed field order. It is deterministic for identical inputs and
// order-sensitive on parties. The deadline is optional; pass "" when unset.
func TermsHash(text string, parties []string, deadline string) string {
	h := sha256.New()
	h.Write([]byte(CanonicalizeTerms(text)))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.Join(parties, ",")))
	h.Write([]byte{'\n'})
	h.Write([]byte(deadline))
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes is the canonical SHA-256 hex of arbitrary content, used for
// evidence and reasoning hashes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
