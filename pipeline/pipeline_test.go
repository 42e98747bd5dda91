package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/use-agent/postpulse/models"
	"github.com/use-agent/postpulse/output"
)

type fakeSession struct {
	closed atomic.Int32
}

func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeAuth struct {
	sess  *fakeSession
	err   error
	calls atomic.Int32
}

func (a *fakeAuth) Authenticate(context.Context) (Session, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return a.sess, nil
}

// fakeFetcher answers from a table keyed by URL. Unknown URLs succeed with
// one like per character of the URL.
type fakeFetcher struct {
	mu      sync.Mutex
	fail    map[string]error
	delay   func(url string) time.Duration
	calls   map[string]int
	started chan string
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ Session, link models.LinkRecord) (*models.MetricsResult, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[link.URL]++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- link.URL
	}
	if f.delay != nil {
		select {
		case <-time.After(f.delay(link.URL)):
		case <-ctx.Done():
			return nil, models.FetchError(models.ReasonTimeout, ctx.Err())
		}
	}
	if err := f.fail[link.URL]; err != nil {
		return nil, err
	}
	return &models.MetricsResult{
		URL:         link.URL,
		Impressions: 100,
		Likes:       int64(len(link.URL)),
		Comments:    1,
		Replies:     0,
		PostedAt:    time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func links(urls ...string) []models.LinkRecord {
	out := make([]models.LinkRecord, len(urls))
	for i, u := range urls {
		out[i] = models.LinkRecord{Row: i + 1, URL: u}
	}
	return out
}

type paths struct {
	output string
	failed string
}

func tempPaths(t *testing.T) paths {
	dir := t.TempDir()
	return paths{output: filepath.Join(dir, "out", "output.csv"), failed: filepath.Join(dir, "out", "failed.csv")}
}

func (p paths) opener() func() (Sink, error) {
	return func() (Sink, error) {
		return output.Open(p.output, p.failed)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func column(rows [][]string, i int) []string {
	var out []string
	for _, r := range rows[1:] {
		out = append(out, r[i])
	}
	return out
}

func TestRunDeletedPostIsolated(t *testing.T) {
	p := tempPaths(t)
	auth := &fakeAuth{sess: &fakeSession{}}
	fetcher := &fakeFetcher{fail: map[string]error{
		"https://x.com/b/status/2": models.FetchError(models.ReasonNotFound, models.ErrPostNotFound),
	}}

	proc := New(auth, fetcher, p.opener(), Options{})
	summary, err := proc.Run(context.Background(), links(
		"https://x.com/a/status/1",
		"https://x.com/b/status/2",
		"https://x.com/c/status/3",
	))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := readCSV(t, p.output)
	if diff := cmp.Diff([]string{"https://x.com/a/status/1", "https://x.com/c/status/3"}, column(out, 0)); diff != "" {
		t.Errorf("output urls (-want +got):\n%s", diff)
	}
	failed := readCSV(t, p.failed)
	if diff := cmp.Diff([][]string{{"url", "reason"}, {"https://x.com/b/status/2", "post not found"}}, failed); diff != "" {
		t.Errorf("failed rows (-want +got):\n%s", diff)
	}

	if summary.State != string(StateDone) || summary.Succeeded != 2 || summary.Failed != 1 || summary.Total != 3 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Reasons[models.ReasonNotFound] != 1 {
		t.Errorf("reasons = %v", summary.Reasons)
	}
	if auth.calls.Load() != 1 {
		t.Errorf("Authenticate called %d times, want 1", auth.calls.Load())
	}
	if auth.sess.closed.Load() != 1 {
		t.Errorf("session closed %d times, want 1", auth.sess.closed.Load())
	}
}

func TestRunEveryLinkProducesOneRow(t *testing.T) {
	p := tempPaths(t)
	var urls []string
	fail := map[string]error{}
	for i := 0; i < 23; i++ {
		u := "https://x.com/u/status/" + strings.Repeat("1", i+1)
		urls = append(urls, u)
		if i%4 == 0 {
			fail[u] = errors.New("boom")
		}
	}

	proc := New(&fakeAuth{sess: &fakeSession{}}, &fakeFetcher{fail: fail}, p.opener(), Options{Workers: 3})
	summary, err := proc.Run(context.Background(), links(urls...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := len(readCSV(t, p.output)) - 1 + len(readCSV(t, p.failed)) - 1
	if got != len(urls) {
		t.Errorf("rows written = %d, want %d", got, len(urls))
	}
	if summary.Succeeded+summary.Failed != len(urls) || summary.Failed != len(fail) {
		t.Errorf("summary = %+v", summary)
	}
	if st := proc.Stats(); st.State != StateDone || st.Processed != len(urls) || st.Remaining() != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRunPreservesInputOrderWithWorkers(t *testing.T) {
	p := tempPaths(t)
	var urls []string
	for i := 0; i < 12; i++ {
		urls = append(urls, "https://x.com/u/status/"+strings.Repeat("9", i+1))
	}
	// Earlier links take longer so they finish last.
	fetcher := &fakeFetcher{delay: func(url string) time.Duration {
		return time.Duration(40-len(url)) * time.Millisecond
	}}

	proc := New(&fakeAuth{sess: &fakeSession{}}, fetcher, p.opener(), Options{Workers: 4})
	if _, err := proc.Run(context.Background(), links(urls...)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff(urls, column(readCSV(t, p.output), 0)); diff != "" {
		t.Errorf("output order (-want +got):\n%s", diff)
	}
}

func TestRunAuthFailureCreatesNothing(t *testing.T) {
	p := tempPaths(t)
	fetcher := &fakeFetcher{}
	auth := &fakeAuth{err: models.AuthError("wrong password", nil)}

	summary, err := New(auth, fetcher, p.opener(), Options{}).Run(context.Background(), links("https://x.com/a/status/1"))
	if models.KindOf(err) != models.KindAuth {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if summary.State != string(StateFailed) {
		t.Errorf("state = %q, want failed", summary.State)
	}
	if fetcher.callCount("https://x.com/a/status/1") != 0 {
		t.Error("fetcher called after auth failure")
	}
	for _, path := range []string{p.output, p.failed} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s exists after auth failure", path)
		}
	}
}

func TestRunPlainAuthErrorIsWrapped(t *testing.T) {
	auth := &fakeAuth{err: errors.New("browser gone")}
	_, err := New(auth, &fakeFetcher{}, tempPaths(t).opener(), Options{}).Run(context.Background(), nil)
	if models.KindOf(err) != models.KindAuth {
		t.Errorf("err = %v, want AuthError", err)
	}
}

func TestRunOutputFailureClosesSession(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	auth := &fakeAuth{sess: &fakeSession{}}
	open := func() (Sink, error) {
		return output.Open(filepath.Join(blocker, "output.csv"), filepath.Join(dir, "failed.csv"))
	}

	_, err := New(auth, &fakeFetcher{}, open, Options{}).Run(context.Background(), links("https://x.com/a/status/1"))
	if models.KindOf(err) != models.KindOutput {
		t.Fatalf("err = %v, want OutputError", err)
	}
	if auth.sess.closed.Load() != 1 {
		t.Error("session not closed after output failure")
	}
}

func TestRunFetchesDuplicatesOnce(t *testing.T) {
	p := tempPaths(t)
	fetcher := &fakeFetcher{fail: map[string]error{
		"https://x.com/gone/status/9": models.FetchError(models.ReasonNotFound, models.ErrPostNotFound),
	}}
	key := func(u string) string { return strings.TrimSuffix(strings.TrimSpace(u), "?s=20") }

	proc := New(&fakeAuth{sess: &fakeSession{}}, fetcher, p.opener(), Options{Workers: 2, Key: key})
	summary, err := proc.Run(context.Background(), links(
		"https://x.com/a/status/1",
		"https://x.com/gone/status/9",
		"https://x.com/a/status/1?s=20",
		"https://x.com/gone/status/9",
	))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := fetcher.callCount("https://x.com/a/status/1") + fetcher.callCount("https://x.com/a/status/1?s=20"); n != 1 {
		t.Errorf("post a fetched %d times, want 1", n)
	}
	if n := fetcher.callCount("https://x.com/gone/status/9"); n != 1 {
		t.Errorf("deleted post fetched %d times, want 1", n)
	}
	// Each row keeps its own link text.
	if diff := cmp.Diff([]string{"https://x.com/a/status/1", "https://x.com/a/status/1?s=20"}, column(readCSV(t, p.output), 0)); diff != "" {
		t.Errorf("output urls (-want +got):\n%s", diff)
	}
	if summary.Deduped != 2 || summary.Failed != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunInvalidMetricsBecomeFailures(t *testing.T) {
	p := tempPaths(t)
	proc := New(&fakeAuth{sess: &fakeSession{}}, negativeFetcher{}, p.opener(), Options{})
	if _, err := proc.Run(context.Background(), links("https://x.com/a/status/1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	failed := readCSV(t, p.failed)
	if len(failed) != 2 || failed[1][1] != models.ReasonInvalidResult {
		t.Errorf("failed rows = %v", failed)
	}
}

type negativeFetcher struct{}

func (negativeFetcher) Fetch(_ context.Context, _ Session, link models.LinkRecord) (*models.MetricsResult, error) {
	return &models.MetricsResult{URL: link.URL, Likes: -1, PostedAt: time.Now()}, nil
}

func TestRunInterruptKeepsWrittenRows(t *testing.T) {
	p := tempPaths(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan string, 10)
	fetcher := &fakeFetcher{
		started: started,
		delay: func(url string) time.Duration {
			if strings.HasSuffix(url, "/3") {
				return time.Hour
			}
			return 0
		},
	}
	go func() {
		for u := range started {
			if strings.HasSuffix(u, "/3") {
				cancel()
				return
			}
		}
	}()

	proc := New(&fakeAuth{sess: &fakeSession{}}, fetcher, p.opener(), Options{})
	summary, err := proc.Run(ctx, links(
		"https://x.com/a/status/1",
		"https://x.com/a/status/2",
		"https://x.com/a/status/3",
		"https://x.com/a/status/4",
	))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if summary.State != string(StateInterrupted) {
		t.Errorf("state = %q, want interrupted", summary.State)
	}
	rows := readCSV(t, p.output)
	if diff := cmp.Diff([]string{"https://x.com/a/status/1", "https://x.com/a/status/2"}, column(rows, 0)); diff != "" {
		t.Errorf("rows kept after interrupt (-want +got):\n%s", diff)
	}
	if failed := readCSV(t, p.failed); len(failed) != 1 {
		t.Errorf("interrupted fetch recorded as failure: %v", failed)
	}
}

func TestRunPacesFetchStarts(t *testing.T) {
	p := tempPaths(t)
	proc := New(&fakeAuth{sess: &fakeSession{}}, &fakeFetcher{}, p.opener(), Options{Workers: 4, MinInterval: 30 * time.Millisecond})

	start := time.Now()
	if _, err := proc.Run(context.Background(), links(
		"https://x.com/a/status/1",
		"https://x.com/a/status/2",
		"https://x.com/a/status/3",
		"https://x.com/a/status/4",
	)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The first start is immediate; the next three wait one interval each.
	if elapsed := time.Since(start); elapsed < 85*time.Millisecond {
		t.Errorf("4 fetches took %v, want at least 3 intervals", elapsed)
	}
}

func TestProgressCallback(t *testing.T) {
	p := tempPaths(t)
	var seen []Stats
	var mu sync.Mutex
	opts := Options{Progress: func(s Stats) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}}

	proc := New(&fakeAuth{sess: &fakeSession{}}, &fakeFetcher{}, p.opener(), opts)
	if _, err := proc.Run(context.Background(), links("https://x.com/a/status/1", "https://x.com/a/status/2")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var states []State
	var processed []int
	for _, s := range seen {
		states = append(states, s.State)
		processed = append(processed, s.Processed)
	}
	wantStates := []State{StateAuthenticating, StateProcessing, StateProcessing, StateDone}
	if diff := cmp.Diff(wantStates, states); diff != "" {
		t.Errorf("progress states (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 2}, processed); diff != "" {
		t.Errorf("progress counts (-want +got):\n%s", diff)
	}
}

func TestRunRejectedLinksSkipPacing(t *testing.T) {
	p := tempPaths(t)
	f := &fakeFetcher{}
	check := func(u string) error {
		if !strings.Contains(u, "/status/") {
			return models.FetchError(models.ReasonMalformedURL, errors.New("not a post url"))
		}
		return nil
	}
	proc := New(&fakeAuth{sess: &fakeSession{}}, f, p.opener(), Options{
		Workers:     1,
		MinInterval: 200 * time.Millisecond,
		Check:       check,
	})

	start := time.Now()
	summary, err := proc.Run(context.Background(), links(
		"not a url",
		"https://x.com/a",
		"https://example.com/b",
		"https://x.com/a/status/1",
	))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("run took %v, rejected links waited for pacing", elapsed)
	}
	if summary.Succeeded != 1 || summary.Failed != 3 {
		t.Errorf("succeeded=%d failed=%d, want 1/3", summary.Succeeded, summary.Failed)
	}
	if n := f.callCount("https://x.com/a"); n != 0 {
		t.Errorf("rejected link fetched %d times", n)
	}
	want := []string{models.ReasonMalformedURL, models.ReasonMalformedURL, models.ReasonMalformedURL}
	if diff := cmp.Diff(want, column(readCSV(t, p.failed), 1)); diff != "" {
		t.Errorf("failure reasons (-want +got):\n%s", diff)
	}
}

func TestStateTerminal(t *testing.T) {
	for s, want := range map[State]bool{
		StateIdle:           false,
		StateAuthenticating: false,
		StateProcessing:     false,
		StateDone:           true,
		StateFailed:         true,
		StateInterrupted:    true,
	} {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}
