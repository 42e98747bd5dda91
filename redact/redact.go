// Package redact scrubs secrets out of text before it is logged or written.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

const placeholder = "[REDACTED]"

// Redactor replaces known secret values with a placeholder.
// The zero value redacts nothing.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New builds a Redactor for the given literal secrets. Empty and very short
// values are ignored so that common substrings are not blanked out.
func New(secrets ...string) *Redactor {
	uniq := make(map[string]struct{}, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) < 3 {
			continue
		}
		uniq[s] = struct{}{}
	}

	// Longest first so a secret containing another is replaced whole.
	ordered := make([]string, 0, len(uniq))
	for s := range uniq {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	r := &Redactor{patterns: make([]*regexp.Regexp, 0, len(ordered))}
	for _, s := range ordered {
		r.patterns = append(r.patterns, regexp.MustCompile("(?i)"+regexp.QuoteMeta(s)))
	}
	return r
}

// String replaces all secret occurrences in text.
func (r *Redactor) String(text string) string {
	if r == nil {
		return text
	}
	for _, re := range r.patterns {
		text = re.ReplaceAllString(text, placeholder)
	}
	return text
}

// Error returns the redacted message of err, or "" for nil.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.String(err.Error())
}
