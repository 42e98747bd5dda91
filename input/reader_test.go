package input

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/use-agent/postpulse/models"
)

func urls(links []models.LinkRecord) []string {
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.URL
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "no header",
			in:   "https://x.com/a/status/1\nhttps://x.com/b/status/2\n",
			want: []string{"https://x.com/a/status/1", "https://x.com/b/status/2"},
		},
		{
			name: "single column header",
			in:   "url\nhttps://x.com/a/status/1\n",
			want: []string{"https://x.com/a/status/1"},
		},
		{
			name: "header with url column not first",
			in:   "id,Link,note\n1,https://x.com/a/status/1,hi\n2,https://x.com/b/status/2,\n",
			want: []string{"https://x.com/a/status/1", "https://x.com/b/status/2"},
		},
		{
			name: "multi column header without known name uses first column",
			in:   "first,second\nhttps://x.com/a/status/1,foo\n",
			want: []string{"https://x.com/a/status/1"},
		},
		{
			name: "blank lines and empty cells skipped",
			in:   "https://x.com/a/status/1\n\n   \nhttps://x.com/b/status/2\n\n",
			want: []string{"https://x.com/a/status/1", "https://x.com/b/status/2"},
		},
		{
			name: "byte order mark stripped",
			in:   "\ufeffurl\nhttps://x.com/a/status/1\n",
			want: []string{"https://x.com/a/status/1"},
		},
		{
			name: "short rows skipped",
			in:   "id,url\n1\n2,https://x.com/b/status/2\n",
			want: []string{"https://x.com/b/status/2"},
		},
		{
			name: "not a url is still returned",
			in:   "definitely not a url\n",
			want: []string{"definitely not a url"},
		},
		{
			name: "empty input",
			in:   "",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(strings.NewReader(tt.in))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(tt.want, urls(got)); diff != "" {
				t.Errorf("urls mismatch (-want +got):\n%s", diff)
			}
			for i, l := range got {
				if l.Row != i+1 {
					t.Errorf("link %d has Row %d", i, l.Row)
				}
			}
		})
	}
}

func TestParseMalformedCSV(t *testing.T) {
	_, err := Parse(strings.NewReader("url\n\"https://x.com/a/status/1\n"))
	if err == nil {
		t.Fatal("expected error for unterminated quote")
	}
	if models.KindOf(err) != models.KindInput {
		t.Errorf("kind = %q, want InputError", models.KindOf(err))
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.csv"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if models.KindOf(err) != models.KindInput {
		t.Errorf("kind = %q, want InputError", models.KindOf(err))
	}
}

func TestReadDirectory(t *testing.T) {
	_, err := Read(t.TempDir())
	if models.KindOf(err) != models.KindInput {
		t.Errorf("kind = %q, want InputError", models.KindOf(err))
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.csv")
	if err := os.WriteFile(path, []byte("url\nhttps://x.com/a/status/1\nhttps://x.com/a/status/2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d links, want 2", len(got))
	}
}
