package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/use-agent/postpulse/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func TestOpenAndMigrate(t *testing.T) {
	st := openTestStore(t)

	var version string
	if err := st.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != "1" {
		t.Fatalf("unexpected schema version: %s", version)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.BeginRun(context.Background(), "run-1", time.Now(), 1); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	var n int
	if err := st.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&n); err != nil || n != 1 {
		t.Fatalf("runs after reopen = %d, %v", n, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRecordAndPostHistory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	key := "https://x.com/jack/status/20"
	posted := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	day1 := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	for i, run := range []struct {
		id    string
		at    time.Time
		views int64
	}{
		{"run-1", day1, 100},
		{"run-2", day2, 250},
	} {
		if err := st.BeginRun(ctx, run.id, run.at, 2); err != nil {
			t.Fatalf("BeginRun: %v", err)
		}
		ok := models.Outcome{
			Link: models.LinkRecord{Row: 1, URL: "twitter.com/jack/status/20"},
			Metrics: &models.MetricsResult{
				URL: "twitter.com/jack/status/20", Impressions: run.views, Likes: int64(i + 1), PostedAt: posted,
			},
		}
		if err := st.Record(ctx, run.id, key, ok, run.at); err != nil {
			t.Fatalf("Record metrics: %v", err)
		}
		failed := models.Outcome{
			Link:    models.LinkRecord{Row: 2, URL: "https://x.com/gone/status/1"},
			Failure: &models.FailureRecord{URL: "https://x.com/gone/status/1", Reason: models.ReasonNotFound},
		}
		if err := st.Record(ctx, run.id, "https://x.com/gone/status/1", failed, run.at); err != nil {
			t.Fatalf("Record failure: %v", err)
		}
		summary := models.RunSummary{State: "done", Succeeded: 1, Failed: 1, FinishedAt: run.at.Add(time.Minute)}
		if err := st.FinishRun(ctx, run.id, summary); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}
	}

	snaps, err := st.PostHistory(ctx, key, 0)
	if err != nil {
		t.Fatalf("PostHistory: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Impressions != 100 || snaps[1].Impressions != 250 {
		t.Errorf("impressions = %d, %d; want oldest first", snaps[0].Impressions, snaps[1].Impressions)
	}
	if !snaps[1].PostedAt.Equal(posted) || !snaps[1].CapturedAt.Equal(day2) || !snaps[1].OK() {
		t.Errorf("latest snapshot = %+v", snaps[1])
	}

	latest, err := st.PostHistory(ctx, key, 1)
	if err != nil {
		t.Fatalf("PostHistory limit: %v", err)
	}
	if len(latest) != 1 || latest[0].RunID != "run-2" {
		t.Errorf("limited history = %+v, want only run-2", latest)
	}

	gone, err := st.PostHistory(ctx, "https://x.com/gone/status/1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(gone) != 2 || gone[0].OK() || gone[0].Reason != models.ReasonNotFound {
		t.Errorf("failure history = %+v", gone)
	}

	var state string
	if err := st.db.QueryRow("SELECT state FROM runs WHERE id = 'run-2'").Scan(&state); err != nil || state != "done" {
		t.Errorf("run state = %q, %v", state, err)
	}
}

func TestPostHistoryTiesKeepInsertOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	key := "https://x.com/jack/status/20"
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	if err := st.BeginRun(ctx, "run-1", at, 4); err != nil {
		t.Fatal(err)
	}
	// One run can capture the same post from several input rows at once.
	for row := 1; row <= 4; row++ {
		o := models.Outcome{
			Link: models.LinkRecord{Row: row, URL: key},
			Metrics: &models.MetricsResult{
				URL: key, Impressions: int64(row * 10), PostedAt: at.Add(-time.Hour),
			},
		}
		if err := st.Record(ctx, "run-1", key, o, at); err != nil {
			t.Fatalf("Record row %d: %v", row, err)
		}
	}

	for _, tt := range []struct {
		limit int
		want  []int
	}{
		{0, []int{1, 2, 3, 4}},
		{2, []int{3, 4}},
		{3, []int{2, 3, 4}},
	} {
		snaps, err := st.PostHistory(ctx, key, tt.limit)
		if err != nil {
			t.Fatalf("PostHistory(%d): %v", tt.limit, err)
		}
		var rows []int
		for _, s := range snaps {
			rows = append(rows, s.Row)
		}
		if diff := cmp.Diff(tt.want, rows); diff != "" {
			t.Errorf("PostHistory(%d) rows (-want +got):\n%s", tt.limit, diff)
		}
	}
}

func TestRecordRequiresKnownRun(t *testing.T) {
	st := openTestStore(t)
	o := models.Outcome{Failure: &models.FailureRecord{URL: "u", Reason: "r"}}
	if err := st.Record(context.Background(), "missing", "u", o, time.Now()); err == nil {
		t.Error("expected foreign key error for unknown run")
	}
	if err := st.Record(context.Background(), "missing", "u", models.Outcome{}, time.Now()); err == nil {
		t.Error("expected error for empty outcome")
	}
}

func TestFinishUnknownRun(t *testing.T) {
	st := openTestStore(t)
	if err := st.FinishRun(context.Background(), "nope", models.RunSummary{}); err == nil {
		t.Error("expected error for unknown run")
	}
}
