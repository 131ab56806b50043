package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize canonicalizes message text for fingerprinting and similarity scoring:
// lower-case, drop every rune that is neither a word character nor whitespace, then
// collapse whitespace runs to one space and trim.
//
// Stripping runs before collapsing, so "a , b" becomes "a b" rather than "a  b".
// Fingerprints are therefore not interchangeable with ones produced by a normalizer
// that collapses first. In exchange, Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if isWordRune(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// ExactFingerprint is the SHA-256 hex digest of
// "user_id|event_type|channel|normalized_message|dedupe_key".
func ExactFingerprint(userID, eventType string, channel Channel, message, dedupeKey string) string {
	var b strings.Builder
	b.Grow(len(userID) + len(eventType) + len(channel) + len(message) + len(dedupeKey) + 4)
	b.WriteString(userID)
	b.WriteByte('|')
	b.WriteString(eventType)
	b.WriteByte('|')
	b.WriteString(string(channel))
	b.WriteByte('|')
	b.WriteString(Normalize(message))
	b.WriteByte('|')
	b.WriteString(dedupeKey)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
