package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LinkRecord is one post URL read from the input CSV.
type LinkRecord struct {
	// Row is the 1-based position of the link among all links read.
	Row int

	// URL is the post link exactly as it appeared in the input, trimmed.
	URL string
}

// MetricsResult holds the engagement counters scraped for a single post.
type MetricsResult struct {
	URL         string
	Impressions int64
	Likes       int64
	Comments    int64
	Replies     int64
	PostedAt    time.Time
}

// Validate checks the invariants of a successful extraction: every counter is
// non-negative and the post date is known.
func (m *MetricsResult) Validate() error {
	if m == nil {
		return errors.New("nil metrics")
	}
	if strings.TrimSpace(m.URL) == "" {
		return errors.New("url is required")
	}
	for name, v := range map[string]int64{
		"impressions": m.Impressions,
		"likes":       m.Likes,
		"comments":    m.Comments,
		"replies":     m.Replies,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, v)
		}
	}
	if m.PostedAt.IsZero() {
		return errors.New("posted_at is required")
	}
	return nil
}

// FailureRecord is a post that could not be scraped, with the reason why.
type FailureRecord struct {
	URL    string
	Reason string
}

// Outcome is the result of processing one LinkRecord. Exactly one of
// Metrics and Failure is set.
type Outcome struct {
	Link    LinkRecord
	Metrics *MetricsResult
	Failure *FailureRecord
}

// OK reports whether the outcome is a successful extraction.
func (o Outcome) OK() bool {
	return o.Metrics != nil
}
