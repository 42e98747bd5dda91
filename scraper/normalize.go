package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// platformHosts are the hostnames that serve X posts. All of them are
// rewritten to canonicalHost.
var platformHosts = map[string]struct{}{
	"x.com":              {},
	"www.x.com":          {},
	"mobile.x.com":       {},
	"twitter.com":        {},
	"www.twitter.com":    {},
	"mobile.twitter.com": {},
	"m.twitter.com":      {},
}

const canonicalHost = "x.com"

// statusPath matches "/<handle>/status/<id>" and "/i/web/status/<id>", with
// optional trailing segments such as "/photo/1" or "/analytics".
var statusPath = regexp.MustCompile(`^/(?:([A-Za-z0-9_]{1,15})|i/web)/status(?:es)?/([0-9]{1,25})(?:/.*)?$`)

// Post identifies one post after normalization.
type Post struct {
	// URL is the canonical https://x.com/<handle>/status/<id> form.
	URL string

	// ID is the numeric status id.
	ID string
}

// NormalizeURL turns a user-supplied post link into its canonical form.
// It adds a missing scheme, upgrades http to https, folds twitter.com and
// mobile hosts into x.com and drops query strings and fragments.
func NormalizeURL(raw string) (Post, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Post{}, fmt.Errorf("empty url")
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "https://"):
	case strings.HasPrefix(lower, "http://"):
		s = "https://" + s[len("http://"):]
	case strings.Contains(lower, "://"):
		return Post{}, fmt.Errorf("unsupported scheme in %q", raw)
	default:
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return Post{}, fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Post{}, fmt.Errorf("missing host in %q", raw)
	}
	if _, ok := platformHosts[host]; !ok {
		return Post{}, fmt.Errorf("unsupported host %q", host)
	}

	m := statusPath.FindStringSubmatch(u.Path)
	if m == nil {
		return Post{}, fmt.Errorf("not a post url: %q", u.Path)
	}
	handle, id := m[1], m[2]

	path := "/i/web/status/" + id
	if handle != "" {
		path = "/" + handle + "/status/" + id
	}
	return Post{
		URL: "https://" + canonicalHost + path,
		ID:  id,
	}, nil
}
