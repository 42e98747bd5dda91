// Package pipeline drives a run: it authenticates once, fetches every link
// through the Fetcher, and writes one output row per link in input order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/postpulse/cache"
	"github.com/use-agent/postpulse/config"
	"github.com/use-agent/postpulse/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Session is the authenticated handle passed from the Authenticator to the
// Fetcher. The pipeline only ever closes it.
type Session = io.Closer

// Authenticator establishes the account session. It is called exactly once
// per run and must not retry.
type Authenticator interface {
	Authenticate(ctx context.Context) (Session, error)
}

// Fetcher retrieves the metrics of one post. Errors are per-record failures.
type Fetcher interface {
	Fetch(ctx context.Context, sess Session, link models.LinkRecord) (*models.MetricsResult, error)
}

// Sink receives outcomes in input order. *output.Writer implements it.
type Sink interface {
	Write(o models.Outcome) error
	Close() error
}

// Options tune a Processor. The zero value processes one record at a time
// with no pacing and exact-string dedupe.
type Options struct {
	// Workers is the number of concurrent fetches, clamped to
	// 1..config.MaxWorkers.
	Workers int

	// MinInterval spaces fetch starts across all workers.
	MinInterval time.Duration

	// Key maps a link to its dedupe key. Links with equal keys are fetched
	// once per run. Defaults to the trimmed URL.
	Key func(url string) string

	// Check rejects links that cannot be fetched. Rejected links are
	// recorded as failures without waiting for a pacing slot.
	Check func(url string) error

	// Progress is called after every written record.
	Progress func(Stats)
}

// Processor runs the record pipeline. A Processor is single-use.
type Processor struct {
	auth    Authenticator
	fetcher Fetcher
	open    func() (Sink, error)
	opts    Options

	cache   *cache.Cache
	limiter *rate.Limiter

	mu      sync.Mutex
	stats   Stats
	reasons map[string]int
}

// New creates a Processor. open is called only after authentication
// succeeds, so a failed login leaves no output files behind.
func New(auth Authenticator, fetcher Fetcher, open func() (Sink, error), opts Options) *Processor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Workers > config.MaxWorkers {
		opts.Workers = config.MaxWorkers
	}
	if opts.Key == nil {
		opts.Key = strings.TrimSpace
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	return &Processor{
		auth:    auth,
		fetcher: fetcher,
		open:    open,
		opts:    opts,
		cache:   cache.New(),
		limiter: rate.NewLimiter(limit, 1),
		stats:   Stats{State: StateIdle},
		reasons: make(map[string]int),
	}
}

// Stats returns a snapshot of the run progress.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run processes links and returns the run summary.
//
// Setup errors are fatal and returned as RunError values: an AuthError
// before any output exists, an OutputError if the sinks cannot be opened or
// written. Per-record fetch failures never abort the run. If ctx is
// cancelled the rows written so far are kept and ctx.Err() is returned.
func (p *Processor) Run(ctx context.Context, links []models.LinkRecord) (summary models.RunSummary, err error) {
	summary.StartedAt = time.Now()
	summary.Total = len(links)
	defer func() {
		summary = p.summarize(summary)
	}()

	p.mu.Lock()
	p.stats.Total = len(links)
	p.mu.Unlock()

	p.setState(StateAuthenticating)
	sess, err := p.auth.Authenticate(ctx)
	if err != nil {
		p.setState(StateFailed)
		if models.KindOf(err) == "" {
			err = models.AuthError("authentication failed", err)
		}
		return summary, err
	}
	if sess == nil {
		p.setState(StateFailed)
		return summary, models.AuthError("authenticator returned no session", nil)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			slog.Warn("closing session", "error", cerr)
		}
	}()

	sink, err := p.open()
	if err != nil {
		p.setState(StateFailed)
		if models.KindOf(err) == "" {
			err = models.OutputError("could not open output", err)
		}
		return summary, err
	}

	p.setState(StateProcessing)
	slog.Info("processing links", "total", len(links), "workers", p.opts.Workers, "min_interval", p.opts.MinInterval)

	err = p.process(ctx, sess, links, sink)
	if cerr := sink.Close(); cerr != nil && err == nil {
		err = models.OutputError("could not close output", cerr)
	}

	switch {
	case err != nil:
		p.setState(StateFailed)
		if models.KindOf(err) == "" {
			err = models.OutputError("could not write output", err)
		}
		return summary, err
	case ctx.Err() != nil:
		p.setState(StateInterrupted)
		return summary, ctx.Err()
	}
	p.setState(StateDone)
	return summary, nil
}

// indexed is an outcome tagged with its input position.
type indexed struct {
	idx    int
	out    models.Outcome
	shared bool
}

// process fans links out to the workers and writes outcomes back in input
// order through a reorder buffer. Only sink errors are returned.
func (p *Processor) process(ctx context.Context, sess Session, links []models.LinkRecord, sink Sink) error {
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	done := make(chan indexed, p.opts.Workers)

	g.Go(func() error {
		defer close(jobs)
		for i := range links {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	var workers sync.WaitGroup
	for w := 0; w < p.opts.Workers; w++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for i := range jobs {
				out, shared, ok := p.handle(gctx, sess, links[i])
				if !ok {
					return nil
				}
				select {
				case done <- indexed{idx: i, out: out, shared: shared}:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(done)
		return nil
	})

	g.Go(func() error {
		pending := make(map[int]indexed)
		next := 0
		for it := range done {
			pending[it.idx] = it
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if err := p.write(sink, ready); err != nil {
					return err
				}
				next++
			}
		}
		// Left over only after an interruption; order is kept across gaps.
		rest := make([]int, 0, len(pending))
		for idx := range pending {
			rest = append(rest, idx)
		}
		sort.Ints(rest)
		for _, idx := range rest {
			if err := p.write(sink, pending[idx]); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// handle fetches one link, sharing the outcome with other links to the same
// post. ok is false when the run was interrupted before an outcome existed.
func (p *Processor) handle(ctx context.Context, sess Session, link models.LinkRecord) (models.Outcome, bool, bool) {
	key := p.opts.Key(link.URL)
	res, shared := p.cache.Do(key, func() cache.Result {
		if p.opts.Check != nil {
			if err := p.opts.Check(link.URL); err != nil {
				return cache.Result{Err: err}
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return cache.Result{Err: err}
		}
		m, err := p.fetcher.Fetch(ctx, sess, link)
		if err == nil && m == nil {
			err = models.FetchError(models.ReasonNoMetrics, models.ErrNoMetrics)
		}
		return cache.Result{Metrics: m, Err: err}
	}, func(cache.Result) bool {
		return ctx.Err() == nil
	})
	if ctx.Err() != nil {
		return models.Outcome{}, false, false
	}
	return toOutcome(link, res), shared, true
}

// toOutcome converts a fetch result into the row written for link.
func toOutcome(link models.LinkRecord, res cache.Result) models.Outcome {
	url := strings.TrimSpace(link.URL)
	if res.Err == nil {
		m := *res.Metrics
		m.URL = url
		if err := m.Validate(); err != nil {
			res.Err = models.FetchError(models.ReasonInvalidResult, err)
		} else {
			return models.Outcome{Link: link, Metrics: &m}
		}
	}
	return models.Outcome{
		Link:    link,
		Failure: &models.FailureRecord{URL: url, Reason: failureReason(res.Err)},
	}
}

// failureReason flattens an error to a single-line CSV reason.
func failureReason(err error) string {
	reason := strings.Join(strings.Fields(models.Reason(err)), " ")
	if reason == "" {
		return "unknown error"
	}
	return reason
}

func (p *Processor) write(sink Sink, it indexed) error {
	if err := sink.Write(it.out); err != nil {
		var re *models.RunError
		if errors.As(err, &re) {
			return err
		}
		return models.OutputError(fmt.Sprintf("could not write row %d", it.out.Link.Row), err)
	}

	p.mu.Lock()
	p.stats.Processed++
	p.stats.Current = p.stats.Processed
	if it.out.OK() {
		p.stats.Succeeded++
	} else {
		p.stats.Failed++
		p.reasons[it.out.Failure.Reason]++
	}
	if it.shared {
		p.stats.Deduped++
	}
	snap := p.stats
	p.mu.Unlock()

	if it.out.OK() {
		slog.Info("post processed",
			"row", it.out.Link.Row,
			"url", it.out.Metrics.URL,
			"impressions", it.out.Metrics.Impressions,
			"likes", it.out.Metrics.Likes,
			"progress", fmt.Sprintf("%d/%d", snap.Processed, snap.Total),
		)
	} else {
		slog.Warn("post failed",
			"row", it.out.Link.Row,
			"url", it.out.Failure.URL,
			"reason", it.out.Failure.Reason,
			"progress", fmt.Sprintf("%d/%d", snap.Processed, snap.Total),
		)
	}
	if p.opts.Progress != nil {
		p.opts.Progress(snap)
	}
	return nil
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.stats.State = s
	snap := p.stats
	p.mu.Unlock()
	if s.Terminal() {
		slog.Debug("pipeline finished", "state", s, "posts", p.cache.Len(), "cache_hits", p.cache.Hits())
	} else {
		slog.Debug("pipeline state", "state", s)
	}
	if p.opts.Progress != nil && s != StateProcessing {
		p.opts.Progress(snap)
	}
}

func (p *Processor) summarize(s models.RunSummary) models.RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.State = string(p.stats.State)
	s.Succeeded = p.stats.Succeeded
	s.Failed = p.stats.Failed
	s.Deduped = p.stats.Deduped
	s.FinishedAt = time.Now()
	if len(p.reasons) > 0 {
		s.Reasons = make(map[string]int, len(p.reasons))
		for k, v := range p.reasons {
			s.Reasons[k] = v
		}
	}
	return s
}
