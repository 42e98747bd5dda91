package models

import "time"

// RunSummary describes a finished run. It is printed at the end of the run
// and sent as the payload of the run.completed notification.
type RunSummary struct {
	RunID      string    `json:"run_id,omitempty"`
	State      string    `json:"state"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Deduped    int       `json:"deduped"`
	OutputPath string    `json:"output_path"`
	FailedPath string    `json:"failed_path"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Reasons counts failed rows by failure reason.
	Reasons map[string]int `json:"reasons,omitempty"`
}

// SuccessRate returns the percentage of rows that produced metrics.
func (s RunSummary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}

// Duration returns how long the run took.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
