package attempts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// MaxInputLen caps sanitized generation input. Longer inputs are
// truncated on a rune boundary and flagged.
const MaxInputLen = 8000

// SanitizedInput is generation input after normalization, with flags
// recorded on the attempt for auditability.
type SanitizedInput struct {
	Text       string `json:"text"`
	Truncated  bool   `json:"truncated"`
	Normalized bool   `json:"normalized"`
	Hash       string `json:"hash"`
}

// Sanitize normalizes raw generation input: trims, collapses runs of
// whitespace to single spaces, strips control characters, and truncates
// to MaxInputLen runes. The hash is computed over the sanitized text so
// identical requests dedupe to the same content hash.
func Sanitize(raw string) SanitizedInput {
	var b strings.Builder
	b.Grow(len(raw))

	inSpace := false
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			inSpace = true
		case unicode.IsControl(r):
			// dropped
		default:
			if inSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			inSpace = false
			b.WriteRune(r)
		}
	}

	text := b.String()
	out := SanitizedInput{
		Normalized: text != raw,
	}

	if runes := []rune(text); len(runes) > MaxInputLen {
		text = string(runes[:MaxInputLen])
		out.Truncated = true
	}
	out.Text = text

	sum := sha256.Sum256([]byte(text))
	out.Hash = hex.EncodeToString(sum[:])
	return out
}
