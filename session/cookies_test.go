package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/google/go-cmp/cmp"
)

func TestParseCookieHeader(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []cookiePair
	}{
		{
			name: "plain",
			in:   "auth_token=abc; ct0=def",
			want: []cookiePair{{"auth_token", "abc"}, {"ct0", "def"}},
		},
		{
			name: "prefix and padding",
			in:   "  Cookie: auth_token = abc ;; ct0=d=ef ",
			want: []cookiePair{{"auth_token", "abc"}, {"ct0", "d=ef"}},
		},
		{
			name: "nameless pair dropped",
			in:   "=x; lang=en",
			want: []cookiePair{{"lang", "en"}},
		},
		{
			name: "empty",
			in:   "   ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCookieHeader(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHeaderParamsCoverBothDomains(t *testing.T) {
	params := headerParams(parseCookieHeader("auth_token=abc; ct0=def"))
	if len(params) != 4 {
		t.Fatalf("got %d params, want 4", len(params))
	}
	seen := map[string]bool{}
	for _, p := range params {
		seen[p.Domain+"/"+p.Name] = true
		if p.Path != "/" || !p.Secure {
			t.Errorf("cookie %s on %s: path=%q secure=%v", p.Name, p.Domain, p.Path, p.Secure)
		}
	}
	for _, key := range []string{".x.com/auth_token", ".x.com/ct0", ".twitter.com/auth_token", ".twitter.com/ct0"} {
		if !seen[key] {
			t.Errorf("missing %s", key)
		}
	}
}

func TestReadCookieHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookie.txt")
	if err := os.WriteFile(path, []byte("auth_token=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := readCookieHeader("", path)
	if err != nil || got != "auth_token=file" {
		t.Errorf("file header = %q, %v", got, err)
	}
	got, err = readCookieHeader("auth_token=inline", path)
	if err != nil || got != "auth_token=inline" {
		t.Errorf("inline header = %q, %v", got, err)
	}
	if _, err := readCookieHeader("", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing cookie file")
	}
}

func TestStateRoundTripKeepsPlatformCookies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	cookies := []*proto.NetworkCookie{
		{Name: "auth_token", Value: "abc", Domain: ".x.com", Path: "/", Secure: true, HTTPOnly: true},
		{Name: "ct0", Value: "def", Domain: "twitter.com", Path: "/"},
		{Name: "tracker", Value: "zzz", Domain: ".example.com", Path: "/"},
	}
	if err := saveState(path, cookies, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("saveState: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("state file mode = %o, want 600", perm)
	}

	params, err := loadState(path)
	if err != nil {
		t.Fatalf("loadState: %v", err)
	}
	var names []string
	for _, p := range params {
		names = append(names, p.Domain+"/"+p.Name)
	}
	want := []string{".x.com/auth_token", "twitter.com/ct0"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("loaded cookies mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadStateMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	params, err := loadState(filepath.Join(dir, "absent.json"))
	if err != nil || params != nil {
		t.Errorf("missing state = %v, %v; want nil, nil", params, err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadState(bad); err == nil {
		t.Error("expected error for corrupt state file")
	}
}
