package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/use-agent/postpulse/config"
	"github.com/use-agent/postpulse/models"
	"github.com/use-agent/postpulse/redact"
)

// TabSource lends browser tabs bound to an authenticated session.
// *session.Session implements it.
type TabSource interface {
	AcquireTab() (*rod.Page, error)
	ReleaseTab(page *rod.Page, ok bool)
}

// Fetcher loads a post page in the session's browser and extracts its
// metrics. It is safe for concurrent use; each call borrows its own tab.
type Fetcher struct {
	cfg      config.ScraperConfig
	redactor *redact.Redactor
}

// NewFetcher creates a Fetcher. redactor may be nil.
func NewFetcher(cfg config.ScraperConfig, redactor *redact.Redactor) *Fetcher {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Fetcher{cfg: cfg, redactor: redactor}
}

// Fetch returns the metrics of the post at link.URL. sess must be a
// TabSource. Every error is a FetchError carrying a short reason; malformed
// links fail without touching the network.
func (f *Fetcher) Fetch(ctx context.Context, sess io.Closer, link models.LinkRecord) (*models.MetricsResult, error) {
	post, err := NormalizeURL(link.URL)
	if err != nil {
		return nil, models.FetchError(models.ReasonMalformedURL, err)
	}
	tabs, ok := sess.(TabSource)
	if !ok || tabs == nil {
		return nil, models.FetchError(models.ReasonSession, fmt.Errorf("session %T cannot open tabs", sess))
	}

	start := time.Now()
	result, err := f.fetchPost(ctx, tabs, post)
	if err != nil {
		slog.Debug("fetch failed",
			"row", link.Row,
			"url", post.URL,
			"reason", models.Reason(err),
			"error", f.redactor.Error(err),
			"elapsed", time.Since(start),
		)
		return nil, err
	}

	// Rows are reported under the link as given so callers can join on it.
	result.URL = strings.TrimSpace(link.URL)
	if err := result.Validate(); err != nil {
		return nil, models.FetchError(models.ReasonInvalidResult, err)
	}
	slog.Debug("fetched post",
		"row", link.Row,
		"url", post.URL,
		"impressions", result.Impressions,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// CanonicalKey returns the normalized form of a post link, or the trimmed
// input when it does not normalize. Links with equal keys are the same post.
func CanonicalKey(raw string) string {
	if post, err := NormalizeURL(raw); err == nil {
		return post.URL
	}
	return strings.TrimSpace(raw)
}
