package utils

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
)

const maxURLLength = 2048

// URLValidation splits a URL list into accepted (normalised) and rejected entries.
type URLValidation struct {
	Valid   []string `json:"valid"`
	Invalid []string `json:"invalid"`
}

// ValidateURLs accepts only absolute http/https URLs with a host. A bad entry
// is dropped into Invalid; it never fails the whole list.
func ValidateURLs(urls []string) URLValidation {
	out := URLValidation{Valid: []string{}, Invalid: []string{}}
	for _, raw := range urls {
		clean, ok := normalizeURL(raw)
		if !ok {
			out.Invalid = append(out.Invalid, raw)
			continue
		}
		out.Valid = append(out.Valid, clean)
	}
	return out
}

func normalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxURLLength {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Hostname() == "" || u.Opaque != "" {
		return "", false
	}
	if suspiciousURLPattern.MatchString(raw) {
		return "", false
	}
	clean, err := purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes)
	if err != nil {
		return "", false
	}
	return clean, true
}
