package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/postpulse/history"
	"github.com/use-agent/postpulse/models"
	"github.com/use-agent/postpulse/pipeline"
)

// recorder mirrors written outcomes into the history database. History is
// best effort: its failures are logged and never fail the run.
type recorder struct {
	path  string
	runID string
	key   func(string) string

	store *history.Store
	now   func() time.Time
}

// wrap returns sink, teeing into the history store when one is configured
// and can be opened.
func (r *recorder) wrap(sink pipeline.Sink, total int) pipeline.Sink {
	if r.path == "" {
		return sink
	}
	if r.now == nil {
		r.now = time.Now
	}
	st, err := history.Open(r.path)
	if err != nil {
		slog.Warn("history disabled", "path", r.path, "error", err)
		return sink
	}
	if err := st.BeginRun(context.Background(), r.runID, r.now(), total); err != nil {
		slog.Warn("history disabled", "path", r.path, "error", err)
		_ = st.Close()
		return sink
	}
	r.store = st
	slog.Debug("recording history", "path", r.path, "run_id", r.runID)
	return &recordingSink{Sink: sink, r: r}
}

// finish closes the run in the history store.
func (r *recorder) finish(summary models.RunSummary) {
	if r.store == nil {
		return
	}
	if err := r.store.FinishRun(context.Background(), r.runID, summary); err != nil {
		slog.Warn("history finish failed", "run_id", r.runID, "error", err)
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("closing history", "error", err)
	}
	r.store = nil
}

type recordingSink struct {
	pipeline.Sink
	r *recorder
}

func (s *recordingSink) Write(o models.Outcome) error {
	if err := s.Sink.Write(o); err != nil {
		return err
	}
	if err := s.r.store.Record(context.Background(), s.r.runID, s.r.key(o.Link.URL), o, s.r.now()); err != nil {
		slog.Warn("history record failed", "row", o.Link.Row, "error", err)
	}
	return nil
}
