package scraper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/use-agent/postpulse/models"
)

// fetchPost runs the tab lifecycle for one post.
//
//  1. Timeout guard   – hard deadline on the entire fetch
//  2. Acquire tab     – borrow a tab from the session pool
//  3. DEFER: release  – about:blank + health accounting + return to pool
//  4. Hijack mount    – block heavy resources and trackers (before navigation!)
//  5. Navigate        – load the post permalink
//  6. Wait            – post article or an error state, then DOM stable
//  7. Extract         – page HTML parsed offline by ExtractMetrics
//
// The tab counts as healthy whenever the page rendered, even if the post
// itself turned out to be missing.
func (f *Fetcher) fetchPost(ctx context.Context, tabs TabSource, post Post) (*models.MetricsResult, error) {
	// ── 1. Timeout guard ──────────────────────────────────────────────
	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	// ── 2. Acquire tab ────────────────────────────────────────────────
	page, err := tabs.AcquireTab()
	if err != nil {
		return nil, models.FetchError(models.ReasonSession, err)
	}

	// ── 3. Release with the final health verdict ─────────────────────
	healthy := false
	defer func() { tabs.ReleaseTab(page, healthy) }()

	// ── 4. Hijack ─────────────────────────────────────────────────────
	router := setupHijack(page, f.cfg.BlockedResourceTypes, f.cfg.BlockTrackers)
	if router != nil {
		defer func() { _ = router.Stop() }()
	}

	p := page.Context(ctx)

	// ── 5. Navigate ───────────────────────────────────────────────────
	if err := p.Navigate(post.URL); err != nil {
		return nil, categorizeError(err)
	}

	// ── 6. Wait for the post or an error state ───────────────────────
	if _, err := p.Race().
		Element(waitPost).
		Element(waitError).
		ElementR("span", waitErrorText).
		Do(); err != nil {
		return nil, categorizeError(err)
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
	}

	// ── 7. Extract ────────────────────────────────────────────────────
	rawHTML, err := p.HTML()
	if err != nil {
		return nil, categorizeError(err)
	}
	healthy = true

	return ExtractMetrics(rawHTML, post)
}

// categorizeError maps browser errors to fetch failure reasons.
func categorizeError(err error) *models.RunError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.FetchError(models.ReasonTimeout, err)
	}
	return models.FetchError(models.ReasonNavigation, err)
}
