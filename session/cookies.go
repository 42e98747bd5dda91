package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

// cookieDomains receives every imported cookie so both hostnames resolve
// to the same account.
var cookieDomains = []string{".x.com", ".twitter.com"}

// authCookie must be present for an imported cookie header to be usable.
const authCookie = "auth_token"

type cookiePair struct {
	Name  string
	Value string
}

// parseCookieHeader splits a raw "name=value; name2=value2" header. A leading
// "Cookie:" prefix is tolerated. Pairs without a name are dropped.
func parseCookieHeader(header string) []cookiePair {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "cookie:") {
		header = header[7:]
	}
	var pairs []cookiePair
	for _, part := range strings.Split(header, ";") {
		name, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		pairs = append(pairs, cookiePair{Name: name, Value: strings.TrimSpace(value)})
	}
	return pairs
}

// readCookieHeader returns the raw header from the inline value or the file,
// the inline value taking precedence.
func readCookieHeader(inline, path string) (string, error) {
	if strings.TrimSpace(inline) != "" {
		return inline, nil
	}
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read cookie file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func hasCookie(pairs []cookiePair, name string) bool {
	for _, p := range pairs {
		if p.Name == name && p.Value != "" {
			return true
		}
	}
	return false
}

// headerParams expands header pairs into browser cookies on every domain.
func headerParams(pairs []cookiePair) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(pairs)*len(cookieDomains))
	for _, domain := range cookieDomains {
		for _, p := range pairs {
			params = append(params, &proto.NetworkCookieParam{
				Name:     p.Name,
				Value:    p.Value,
				Domain:   domain,
				Path:     "/",
				Secure:   true,
				HTTPOnly: p.Name == authCookie,
				SameSite: proto.NetworkCookieSameSiteNone,
			})
		}
	}
	return params
}

// stateFile is the on-disk session state reused across runs.
type stateFile struct {
	SavedAt time.Time              `json:"saved_at"`
	Cookies []*proto.NetworkCookie `json:"cookies"`
}

// loadState reads the cookie state file. A missing file yields no cookies
// and no error.
func loadState(path string) ([]*proto.NetworkCookieParam, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	return stateParams(st.Cookies), nil
}

func stateParams(cookies []*proto.NetworkCookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" || !platformCookie(c.Domain) {
			continue
		}
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		})
	}
	return params
}

func platformCookie(domain string) bool {
	d := strings.TrimPrefix(strings.ToLower(domain), ".")
	return d == "x.com" || strings.HasSuffix(d, ".x.com") ||
		d == "twitter.com" || strings.HasSuffix(d, ".twitter.com")
}

// saveState writes platform cookies to path with owner-only permissions.
// The file is replaced atomically.
func saveState(path string, cookies []*proto.NetworkCookie, now time.Time) error {
	kept := make([]*proto.NetworkCookie, 0, len(cookies))
	for _, c := range cookies {
		if c != nil && platformCookie(c.Domain) {
			kept = append(kept, c)
		}
	}
	data, err := json.MarshalIndent(stateFile{SavedAt: now.UTC(), Cookies: kept}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".postpulse-state-*")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
