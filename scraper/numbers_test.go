package scraper

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseCompact(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"12", 12, true},
		{"3,401", 3401, true},
		{"1.2K", 1200, true},
		{"1.2k likes", 1200, true},
		{"4M", 4000000, true},
		{"2.5B", 2500000000, true},
		{"1.234.567", 1234567, true},
		{"7 Replies. Reply", 7, true},
		{"5 Bookmarks", 5, true},
		{"Views 1,234.", 1234, true},
		{"Reply", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseCompact(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseCompact(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseEngagementLabel(t *testing.T) {
	got := parseEngagementLabel("12 replies, 5 reposts, 1.2K likes, 3 bookmarks, 40K views")
	want := engagement{"reply": 12, "repost": 5, "like": 1200, "bookmark": 3, "view": 40000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	got = parseEngagementLabel("1 reply, 1 like")
	want = engagement{"reply": 1, "like": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if got := parseEngagementLabel(""); len(got) != 0 {
		t.Errorf("empty label produced %v", got)
	}
}
