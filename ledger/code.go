/*
code.go - Credit code generation and validation

PURPOSE:
  Produces human-presentable codes that are unguessable, visually
  unambiguous, and self-checking. The checksum lets a point-of-sale
  client catch a typo without a database round-trip: a mistyped code
  fails validation locally, and only structurally valid codes are ever
  looked up.

FORMAT (bit-exact, persisted and displayed):
  SC-XXXXXXXX-YY
  - "SC" fixed prefix
  - 8 characters from a 32-symbol alphabet that excludes 0/O/1/I
  - 2 uppercase hex digits: first byte of SHA-256("SC-XXXXXXXX")
  Total length 14 including the two separators.

RANDOMNESS:
  crypto/rand only. The 32-symbol alphabet means each character carries
  exactly 5 bits, so a single rejection-free byte-masking draw is unbiased.

UNIQUENESS:
  GenerateCode does NOT guarantee uniqueness; the engine checks each
  candidate against the store and retries a bounded number of times
  (see engine.go, ErrCodeGenerationExhausted).

SEE ALSO:
  - engine.go: collision-checked issuance
*/
package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
)

// CodePrefix is the fixed prefix of every credit code.
const CodePrefix = "SC"

// codeAlphabet has exactly 32 symbols with visually confusable characters
// removed (no 0/O, no 1/I).
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const codeRandomLen = 8

var codePattern = regexp.MustCompile(`^` + CodePrefix + `-[` + codeAlphabet + `]{8}-[0-9A-F]{2}$`)

// GenerateCode returns a fresh candidate code. The result is well-formed
// and self-checking but not collision-checked; uniqueness is the engine's
// responsibility.
func GenerateCode() (string, error) {
	buf := make([]byte, codeRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(CodePrefix)
	sb.WriteByte('-')
	for _, b := range buf {
		sb.WriteByte(codeAlphabet[int(b)&31])
	}

	body := sb.String()
	return body + "-" + codeChecksum(body), nil
}

// ValidateCode reports whether code is structurally valid and carries the
// correct checksum. It never returns an error: malformed input is simply
// invalid. Callers must not treat an invalid code as "not found" - those
// are distinct failure kinds.
func ValidateCode(code string) bool {
	if !codePattern.MatchString(code) {
		return false
	}
	body := code[:len(code)-3] // strip "-YY"
	return codeChecksum(body) == code[len(code)-2:]
}

// codeChecksum computes the two-hex-digit checksum over "SC-XXXXXXXX".
func codeChecksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return fmt.Sprintf("%02X", sum[0])
}
