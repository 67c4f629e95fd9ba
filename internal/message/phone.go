package message

import "strings"

// NormalizePhone canonicalizes a recipient number to the 62-prefixed form the
// transport expects: digits only, local 08xx prefix rewritten, country code
// ensured. Applying it twice yields the same result.
func NormalizePhone(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	if strings.HasPrefix(cleaned, "08") {
		cleaned = "62" + cleaned[1:]
	}
	if !strings.HasPrefix(cleaned, "62") {
		cleaned = "62" + cleaned
	}
	return cleaned
}
