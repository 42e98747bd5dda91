package session

import (
	"math"
	"sync"
	"time"
)

// Tab retirement thresholds.
const (
	retireErrScore = 3.0
	retireUses     = 50
	retireAge      = 50 * time.Minute
)

// tabHealth tracks how a browser tab has been doing.
//
// Scoring rules:
//   - Success: errScore -= 0.5 (min 0)
//   - Failure: errScore += 1.0
//
// A tab is retired when errScore >= 3, after 50 uses, or after 50 minutes.
type tabHealth struct {
	mu       sync.Mutex
	errScore float64
	useCount int
	created  time.Time
}

func newTabHealth(now time.Time) *tabHealth {
	return &tabHealth{created: now}
}

func (h *tabHealth) record(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
	if ok {
		h.errScore = math.Max(0, h.errScore-0.5)
		return
	}
	h.errScore += 1.0
}

func (h *tabHealth) shouldRetire(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errScore >= retireErrScore ||
		h.useCount >= retireUses ||
		now.Sub(h.created) >= retireAge
}
