package incidents

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	uuidPattern   = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexPattern    = regexp.MustCompile(`\b(?:0x[0-9a-f]+|[0-9a-f]{8,})\b`)
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// Signature normalizes symptom text so that observations differing only in ids,
// addresses, counters or durations compare equal.
func Signature(symptom string) string {
	s := cases.Fold().String(norm.NFKC.String(symptom))
	s = uuidPattern.ReplaceAllString(s, "<uuid>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = numberPattern.ReplaceAllString(s, "<n>")
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeErrorCode returns the canonical form of a fault code.
func NormalizeErrorCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Fingerprint derives the deduplication key of a fault.
func Fingerprint(errorCode, symptom string) string {
	sum := blake2b.Sum256([]byte(NormalizeErrorCode(errorCode) + "\x00" + Signature(symptom)))
	return hex.EncodeToString(sum[:])
}
