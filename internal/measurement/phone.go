package measurement

import "strings"

const (
	countryPrefix  = "84"
	localLength    = 10
	maxRawIDLength = 15
)

var mobilePrefixes = map[string]struct{}{
	"03": {},
	"05": {},
	"07": {},
	"08": {},
	"09": {},
}

// NormalizePhone converts a subject identifier read from a device into a
// local 10-digit mobile number. When the digits do not form a valid mobile
// number the raw digit string, truncated to 15 characters, is returned with
// ok set to false.
func NormalizePhone(raw string) (phone string, ok bool) {
	digits := onlyDigits(raw)
	trimmed := strings.TrimLeft(digits, "0")

	candidate := trimmed
	switch {
	case len(trimmed) == localLength-1:
		candidate = "0" + trimmed
	case len(trimmed) > localLength && strings.HasPrefix(trimmed, countryPrefix):
		candidate = "0" + trimmed[len(countryPrefix):]
	case len(trimmed) == localLength && trimmed[0] != '0':
		candidate = "0" + trimmed
	}

	if IsValidPhone(candidate) {
		return candidate, true
	}

	if len(digits) > maxRawIDLength {
		digits = digits[:maxRawIDLength]
	}
	return digits, false
}

// IsValidPhone reports whether s is a 10-digit local mobile number with a
// known prefix.
func IsValidPhone(s string) bool {
	if len(s) != localLength || onlyDigits(s) != s {
		return false
	}
	_, ok := mobilePrefixes[s[:2]]
	return ok
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
