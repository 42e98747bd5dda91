package scraper

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/use-agent/postpulse/models"
	"golang.org/x/net/html"
)

// Page text that identifies platform-side outcomes when no post is rendered.
// Matched case-insensitively with straight apostrophes.
var (
	notFoundMarkers = []string{
		"this page doesn't exist",
		"this post is unavailable",
		"this post was deleted",
		"this tweet is unavailable",
		"this tweet was deleted",
		"post is from a suspended account",
		"this account doesn't exist",
		"account suspended",
	}
	privateMarkers = []string{
		"these posts are protected",
		"these tweets are protected",
		"you're unable to view this post",
		"only approved followers",
	}
	// sectionMarkers head the recommendation blocks X renders below a
	// conversation. Posts after them are not replies.
	sectionMarkers = []string{
		"discover more",
		"more posts",
		"you might like",
		"trending now",
	}
	rateLimitMarkers = []string{
		"rate limit exceeded",
		"something went wrong. try reloading",
		"try again later",
	}
)

// ExtractMetrics reads the engagement counters of the post identified by
// post out of the rendered page HTML.
//
// Errors are FetchError values whose message is the failure reason.
func ExtractMetrics(rawHTML string, post Post) (*models.MetricsResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, models.FetchError(models.ReasonNoMetrics, fmt.Errorf("parse html: %w", err))
	}

	articles := doc.FindMatcher(matchArticle)
	if articles.Length() == 0 {
		return nil, classifyEmptyPage(doc)
	}
	focal, focalIdx := focalArticle(articles, post.ID)

	counters, found := readCounters(focal)
	if !found {
		return nil, models.FetchError(models.ReasonNoMetrics, models.ErrNoMetrics)
	}

	postedAt, ok := postedAt(focal)
	if !ok {
		return nil, models.FetchError(models.ReasonNoDate, fmt.Errorf("no parseable timestamp for %s", post.URL))
	}

	return &models.MetricsResult{
		URL:         post.URL,
		Impressions: counters["view"],
		Likes:       counters["like"],
		Comments:    counters["reply"],
		Replies:     int64(countReplies(doc, articles, focalIdx)),
		PostedAt:    postedAt,
	}, nil
}

// classifyEmptyPage maps an error page to the matching failure.
func classifyEmptyPage(doc *goquery.Document) error {
	text := pageText(doc.Selection)
	if detail := doc.FindMatcher(matchErrorDetail); detail.Length() > 0 {
		text = pageText(detail) + " " + text
	}
	switch {
	case containsAny(text, notFoundMarkers):
		return models.FetchError(models.ReasonNotFound, models.ErrPostNotFound)
	case containsAny(text, privateMarkers):
		return models.FetchError(models.ReasonPrivate, models.ErrPostPrivate)
	case containsAny(text, rateLimitMarkers):
		return models.FetchError(models.ReasonRateLimited, models.ErrRateLimited)
	default:
		return models.FetchError(models.ReasonNoMetrics, models.ErrNoMetrics)
	}
}

// focalArticle returns the article whose permalink timestamp points at id.
// Articles rendered above it are thread context, below it are replies.
// Falls back to the first article.
func focalArticle(articles *goquery.Selection, id string) (*goquery.Selection, int) {
	permalink := fmt.Sprintf(`a[href$="/status/%s"]`, id)
	for i := range articles.Nodes {
		a := articles.Eq(i)
		if a.Find(permalink).FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.FindMatcher(matchTime).Length() > 0
		}).Length() > 0 {
			return a, i
		}
	}
	// The focal post of a detail page is the one carrying view analytics.
	for i := range articles.Nodes {
		a := articles.Eq(i)
		if a.FindMatcher(matchAnalytics).Length() > 0 {
			return a, i
		}
	}
	return articles.First(), 0
}

// countReplies counts the posts rendered after the focal one, in document
// order, up to the first recommendation section heading.
func countReplies(doc *goquery.Document, articles *goquery.Selection, focalIdx int) int {
	isArticle := make(map[*html.Node]bool, len(articles.Nodes))
	for _, n := range articles.Nodes {
		isArticle[n] = true
	}
	focal := articles.Nodes[focalIdx]
	afterFocal, stop, replies := false, false, 0

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if stop {
			return
		}
		if n.Type == html.ElementNode {
			switch {
			case n == focal:
				afterFocal = true
				return
			case isArticle[n]:
				if afterFocal {
					replies++
				}
				return
			case afterFocal && isSectionHeading(n):
				stop = true
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, root := range doc.Nodes {
		walk(root)
	}
	return replies
}

func isSectionHeading(n *html.Node) bool {
	heading := n.Data == "h2" || n.Data == "h3"
	for _, a := range n.Attr {
		if a.Key == "role" && a.Val == "heading" {
			heading = true
		}
	}
	if !heading {
		return false
	}
	text := strings.ToLower(strings.Join(strings.Fields(nodeText(n)), " "))
	return containsAny(text, sectionMarkers)
}

// readCounters collects the counters of one article. found is false when the
// article has neither an engagement group nor engagement buttons.
func readCounters(article *goquery.Selection) (engagement, bool) {
	counters := engagement{}
	found := false

	if group := article.FindMatcher(matchEngagement).First(); group.Length() > 0 {
		found = true
		label, _ := group.Attr("aria-label")
		for k, v := range parseEngagementLabel(label) {
			counters[k] = v
		}
	}

	// Buttons omit the number when the counter is zero.
	for name, m := range map[string]*goquery.Selection{
		"reply": article.FindMatcher(matchReply).First(),
		"like":  article.FindMatcher(matchLike).First(),
	} {
		if m.Length() == 0 {
			continue
		}
		found = true
		if _, ok := counters[name]; ok {
			continue
		}
		if n, ok := buttonCount(m); ok {
			counters[name] = n
		}
	}

	if _, ok := counters["view"]; !ok {
		if n, ok := viewCount(article); ok {
			counters["view"] = n
			found = true
		}
	}
	return counters, found
}

// buttonCount reads "12 Replies. Reply" style labels, then the visible text.
func buttonCount(btn *goquery.Selection) (int64, bool) {
	if label, ok := btn.Attr("aria-label"); ok {
		if n, ok := ParseCompact(label); ok {
			return n, true
		}
	}
	if txt := btn.FindMatcher(matchCounterText).Text(); txt != "" {
		return ParseCompact(txt)
	}
	return ParseCompact(btn.Text())
}

// viewCount looks for impressions in the analytics link, then in any label
// mentioning views, then in the number rendered next to a "Views" label.
func viewCount(article *goquery.Selection) (int64, bool) {
	if link := article.FindMatcher(matchAnalytics).First(); link.Length() > 0 {
		if label, ok := link.Attr("aria-label"); ok {
			if v, ok := parseEngagementLabel(label)["view"]; ok {
				return v, true
			}
		}
		if n, ok := ParseCompact(link.Text()); ok {
			return n, true
		}
	}

	var (
		views int64
		found bool
	)
	article.Find("[aria-label]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		label, _ := s.Attr("aria-label")
		if v, ok := parseEngagementLabel(label)["view"]; ok {
			views, found = v, true
			return false
		}
		return true
	})
	if found {
		return views, true
	}

	for _, n := range article.FindMatcher(matchLabel).Nodes {
		if !isViewsLabel(nodeText(n)) {
			continue
		}
		for cur, depth := n, 0; cur != nil && depth < 3; cur, depth = cur.Parent, depth+1 {
			if prev := prevElement(cur); prev != nil {
				if v, ok := ParseCompact(nodeText(prev)); ok {
					return v, true
				}
			}
		}
	}
	return 0, false
}

func isViewsLabel(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "views" || s == "view"
}

// postedAt reads the post timestamp from <time datetime>, falling back to the
// human readable title or text, then to any datetime attribute.
func postedAt(article *goquery.Selection) (time.Time, bool) {
	if t := article.FindMatcher(matchTime).First(); t.Length() > 0 {
		if dt, ok := t.Attr("datetime"); ok {
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(dt)); err == nil {
				return ts.UTC(), true
			}
		}
		for _, candidate := range []string{t.AttrOr("title", ""), t.Text()} {
			if ts, ok := parseLooseDate(candidate); ok {
				return ts, true
			}
		}
	}
	for _, n := range article.FindMatcher(matchDatetime).Nodes {
		for _, a := range n.Attr {
			if a.Key != "datetime" {
				continue
			}
			if ts, ok := parseLooseDate(a.Val); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// titleLayouts are the timestamp formats X uses in time titles.
var titleLayouts = []string{
	"3:04 PM · Jan 2, 2006",
	"3:04 PM · 2 Jan 2006",
	"15:04 · Jan 2, 2006",
	"15:04 · 2 Jan 2006",
}

// parseLooseDate accepts the "3:45 PM · Oct 19, 2026" style used in titles,
// then anything dateparse understands.
func parseLooseDate(s string) (time.Time, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range titleLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, true
		}
	}
	if before, after, ok := strings.Cut(s, "·"); ok {
		s = strings.TrimSpace(after) + " " + strings.TrimSpace(before)
	}
	ts, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// --- DOM helpers ---

func prevElement(n *html.Node) *html.Node {
	for p := n.PrevSibling; p != nil; p = p.PrevSibling {
		if p.Type == html.ElementNode {
			return p
		}
	}
	return nil
}

// nodeText concatenates the text nodes below n.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// pageText returns the lowercased text of sel with curly apostrophes folded.
func pageText(sel *goquery.Selection) string {
	text := strings.ToLower(sel.Text())
	text = strings.ReplaceAll(text, "’", "'")
	return strings.Join(strings.Fields(text), " ")
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
