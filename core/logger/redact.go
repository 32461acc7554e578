package logger

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const redacted = "[redacted]"

// secretKeys never reach a sink with their value. Matching is on the last
// dotted segment of the key.
var secretKeys = map[string]bool{
	"pin":      true,
	"password": true,
	"token":    true,
	"secret":   true,
	"dsn":      true,
}

// maskedKeys keep enough of the value to tell records apart.
var maskedKeys = map[string]bool{
	"email": true,
}

func leafKey(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// redactValue hides secrets and masks e-mail addresses.
func redactValue(key string, v any) any {
	leaf := strings.ToLower(leafKey(key))
	switch {
	case secretKeys[leaf]:
		return redacted
	case maskedKeys[leaf]:
		if s, ok := v.(string); ok {
			return MaskEmail(s)
		}
	}
	return v
}

// MaskEmail keeps the first rune of the local part and the domain:
// "alice@example.com" becomes "a***@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		if email == "" {
			return ""
		}
		return redacted
	}
	r, _ := utf8.DecodeRuneInString(email)
	return string(r) + "***" + email[at:]
}

// Sanitize drops control and format runes from s. Tabs and newlines stay.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
}

// SanitizeLimit sanitizes s and cuts it to at most max runes.
func SanitizeLimit(s string, max int) string {
	if max <= 0 {
		return ""
	}
	s = Sanitize(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// RoundMS rounds d to whole milliseconds; negative values become zero.
func RoundMS(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d.Round(time.Millisecond)
}

// SummarizeStrings joins the first limit values and reports whether any were left out.
func SummarizeStrings(values []string, limit int) (string, bool) {
	if limit < 0 {
		limit = 0
	}
	if len(values) <= limit {
		return strings.Join(values, ", "), false
	}
	return strings.Join(values[:limit], ", "), true
}
