package scraper

import "github.com/andybalholm/cascadia"

// X DOM selectors. X changes its markup often; these are the only place the
// scraper hard-codes it.
const (
	selArticle     = `article[data-testid="tweet"]`
	selEngagement  = `div[role="group"][aria-label]`
	selReply       = `[data-testid="reply"]`
	selLike        = `[data-testid="like"], [data-testid="unlike"]`
	selAnalytics   = `a[href*="/analytics"]`
	selCounterText = `[data-testid="app-text-transition-container"]`
	selTime        = `time`
	selDatetime    = `[datetime]`
	selErrorDetail = `[data-testid="error-detail"], [data-testid="emptyState"]`
	selLabel       = `span`

	// Used while waiting for navigation to settle: either the post or an
	// error page is rendered.
	waitPost      = selArticle
	waitError     = selErrorDetail
	waitErrorText = `/something went wrong|try reloading|rate limit exceeded/i`
)

var (
	matchArticle     = cascadia.MustCompile(selArticle)
	matchEngagement  = cascadia.MustCompile(selEngagement)
	matchReply       = cascadia.MustCompile(selReply)
	matchLike        = cascadia.MustCompile(selLike)
	matchAnalytics   = cascadia.MustCompile(selAnalytics)
	matchCounterText = cascadia.MustCompile(selCounterText)
	matchTime        = cascadia.MustCompile(selTime)
	matchDatetime    = cascadia.MustCompile(selDatetime)
	matchErrorDetail = cascadia.MustCompile(selErrorDetail)
	matchLabel       = cascadia.MustCompile(selLabel)
)
