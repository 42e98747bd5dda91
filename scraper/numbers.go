package scraper

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// compactNumber matches counters as the platform renders them: "12",
// "3,401", "1.2K", "4M". The suffix must not run into a word ("5 Bookmarks").
var compactNumber = regexp.MustCompile(`([0-9][0-9,.]*)([kKmMbB])?(?:[^a-zA-Z0-9]|$)`)

// thousandsDots is "1.234.567": dots used as grouping separators.
var thousandsDots = regexp.MustCompile(`^[0-9]{1,3}(\.[0-9]{3})+$`)

// ParseCompact extracts the first counter in text and expands its suffix.
// It reports false when text holds no number.
func ParseCompact(text string) (int64, bool) {
	m := compactNumber.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	digits := strings.TrimRight(m[1], ".,")
	digits = strings.ReplaceAll(digits, ",", "")
	suffix := strings.ToLower(m[2])
	if suffix == "" && thousandsDots.MatchString(digits) {
		digits = strings.ReplaceAll(digits, ".", "")
	}

	n, err := strconv.ParseFloat(digits, 64)
	if err != nil || n < 0 {
		return 0, false
	}

	mult := 1.0
	switch suffix {
	case "k":
		mult = 1e3
	case "m":
		mult = 1e6
	case "b":
		mult = 1e9
	}
	return int64(math.Round(n * mult)), true
}

// engagementItem matches "<count> <counter>" pairs inside the engagement
// group label, e.g. "12 replies, 5 reposts, 1.2K likes, 3 bookmarks, 40K views".
var engagementItem = regexp.MustCompile(`(?i)([0-9][0-9,.]*[kmb]?)\s+(repl(?:y|ies)|reposts?|retweets?|quotes?|likes?|bookmarks?|views?)\b`)

// engagement holds the counters found in a group label, keyed by singular
// counter name ("reply", "repost", "like", "bookmark", "view", "quote").
type engagement map[string]int64

// parseEngagementLabel reads the counters out of an engagement group label.
func parseEngagementLabel(label string) engagement {
	out := engagement{}
	for _, m := range engagementItem.FindAllStringSubmatch(label, -1) {
		n, ok := ParseCompact(m[1])
		if !ok {
			continue
		}
		out[counterName(m[2])] = n
	}
	return out
}

func counterName(word string) string {
	w := strings.ToLower(word)
	switch {
	case strings.HasPrefix(w, "repl"):
		return "reply"
	case strings.HasPrefix(w, "repost"), strings.HasPrefix(w, "retweet"):
		return "repost"
	case strings.HasPrefix(w, "quote"):
		return "quote"
	case strings.HasPrefix(w, "like"):
		return "like"
	case strings.HasPrefix(w, "bookmark"):
		return "bookmark"
	default:
		return "view"
	}
}
