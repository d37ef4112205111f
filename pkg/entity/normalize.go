package entity

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var (
	slugReplacer = strings.NewReplacer(
		"æ", "ae",
		"ø", "o",
		"å", "a",
		" ", "-",
		".", "",
		",", "",
		"+", "-og-",
	)
)

// NormalizeName converts an upstream place name into a URL-safe slug.
// The result contains only lower-case letters, digits and single hyphens,
// never starts or ends with a hyphen, and NormalizeName(NormalizeName(s)) ==
// NormalizeName(s).
func NormalizeName(name string) string {
	s := norm.NFC.String(name)
	// Casers carry state and must not be shared between goroutines.
	s = cases.Lower(language.Norwegian).String(s)
	s = slugReplacer.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	lastHyphen := false
	for _, r := range s {
		switch {
		case r == '-':
			if lastHyphen {
				continue
			}
			lastHyphen = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			lastHyphen = false
		default:
			continue
		}
		b.WriteRune(r)
	}

	return strings.Trim(b.String(), "-")
}

// NameFromHref extracts the display name from an upstream descriptive path
// such as "/2025/st/03/oslo". The last path segment is URL-unescaped.
func NameFromHref(hrefName string) string {
	segment := hrefName
	if i := strings.LastIndex(hrefName, "/"); i >= 0 {
		segment = hrefName[i+1:]
	}
	if unescaped, err := url.PathUnescape(segment); err == nil {
		return unescaped
	}
	return segment
}
