package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/use-agent/postpulse/config"
	"github.com/use-agent/postpulse/input"
	"github.com/use-agent/postpulse/models"
	"github.com/use-agent/postpulse/output"
	"github.com/use-agent/postpulse/pipeline"
	"github.com/use-agent/postpulse/redact"
	"github.com/use-agent/postpulse/scraper"
	"github.com/use-agent/postpulse/session"
	"github.com/use-agent/postpulse/webhook"
)

// notifyTimeout bounds webhook delivery after the run, retries included.
const notifyTimeout = 30 * time.Second

// runOptions holds the run flags. Only flags set on the command line
// override the environment, so secrets never show up as flag defaults.
type runOptions struct {
	input      string
	output     string
	failed     string
	history    string
	email      string
	username   string
	password   string
	state      string
	cookie     string
	cookieFile string

	workers      int
	fetchTimeout time.Duration
	minInterval  time.Duration
	noHeadless   bool
	proxy        string

	notifyURL    string
	notifySecret string
}

// runDeps builds the browser-facing collaborators of a run. Tests replace
// them with fakes.
type runDeps struct {
	authenticator func(cfg *config.Config) pipeline.Authenticator
	fetcher       func(cfg *config.Config) pipeline.Fetcher
}

func browserDeps() runDeps {
	return runDeps{
		authenticator: func(cfg *config.Config) pipeline.Authenticator {
			return sessionAuth{m: session.NewManager(cfg.Browser, cfg.Auth, cfg.Pipeline.Workers)}
		},
		fetcher: func(cfg *config.Config) pipeline.Fetcher {
			r := redact.New(cfg.Auth.Email, cfg.Auth.Username, cfg.Auth.Password)
			return scraper.NewFetcher(cfg.Scraper, r)
		},
	}
}

// sessionAuth adapts the session manager to the pipeline. A failed login
// must yield an untyped nil session.
type sessionAuth struct {
	m *session.Manager
}

func (a sessionAuth) Authenticate(ctx context.Context) (pipeline.Session, error) {
	s, err := a.m.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newRunCmd(g *globalOptions, deps runDeps) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape metrics for every link in the input CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			g.apply(cmd, cfg)
			o.apply(cmd, cfg)
			cfg.Normalize()
			initLogger(cfg.Log, cmd.ErrOrStderr())
			return runAction(cmd, cfg, deps)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.input, "input", "i", "links.csv", "CSV file of post links (env POSTPULSE_INPUT)")
	f.StringVarP(&o.output, "output", "o", "output.csv", "metrics CSV to write (env POSTPULSE_OUTPUT)")
	f.StringVar(&o.failed, "failed", "failed.csv", "CSV of failed lookups to write (env POSTPULSE_FAILED)")
	f.StringVar(&o.history, "history", "", "SQLite database that keeps metrics across runs (env POSTPULSE_HISTORY)")
	f.StringVar(&o.email, "email", "", "account email (env POSTPULSE_EMAIL, TW_EMAIL)")
	f.StringVar(&o.username, "username", "", "account handle, used for the login challenge (env POSTPULSE_USERNAME, TW_USERNAME)")
	f.StringVar(&o.password, "password", "", "account password (env POSTPULSE_PASSWORD, TW_PASSWORD)")
	f.StringVar(&o.state, "state", "", "cookie state file reused across runs (env POSTPULSE_STATE, TW_STATE)")
	f.StringVar(&o.cookie, "cookie", "", "raw Cookie header to sign in with (env POSTPULSE_COOKIE, TW_COOKIE)")
	f.StringVar(&o.cookieFile, "cookie-file", "", "file holding a raw Cookie header (env POSTPULSE_COOKIE_FILE, TW_COOKIE_FILE)")
	f.IntVarP(&o.workers, "workers", "w", 1, fmt.Sprintf("concurrent tabs, at most %d (env POSTPULSE_WORKERS)", config.MaxWorkers))
	f.DurationVar(&o.fetchTimeout, "fetch-timeout", 30*time.Second, "deadline for one post (env POSTPULSE_FETCH_TIMEOUT)")
	f.DurationVar(&o.minInterval, "min-interval", time.Second, "minimum spacing between post visits (env POSTPULSE_MIN_INTERVAL)")
	f.BoolVar(&o.noHeadless, "no-headless", false, "show the browser window")
	f.StringVar(&o.proxy, "proxy", "", "proxy URL for browser traffic (env POSTPULSE_PROXY)")
	f.StringVar(&o.notifyURL, "notify-url", "", "webhook receiving the run summary (env POSTPULSE_NOTIFY_URL)")
	f.StringVar(&o.notifySecret, "notify-secret", "", "HMAC secret for webhook signatures (env POSTPULSE_NOTIFY_SECRET)")
	return cmd
}

// apply overrides cfg with the flags that were set on the command line.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	strs := []struct {
		flag string
		val  string
		dst  *string
	}{
		{"input", o.input, &cfg.Files.Input},
		{"output", o.output, &cfg.Files.Output},
		{"failed", o.failed, &cfg.Files.Failed},
		{"history", o.history, &cfg.Files.History},
		{"email", o.email, &cfg.Auth.Email},
		{"username", o.username, &cfg.Auth.Username},
		{"password", o.password, &cfg.Auth.Password},
		{"state", o.state, &cfg.Auth.StatePath},
		{"cookie", o.cookie, &cfg.Auth.Cookie},
		{"cookie-file", o.cookieFile, &cfg.Auth.CookieFile},
		{"proxy", o.proxy, &cfg.Browser.Proxy},
		{"notify-url", o.notifyURL, &cfg.Notify.URL},
		{"notify-secret", o.notifySecret, &cfg.Notify.Secret},
	}
	for _, s := range strs {
		if flagChanged(cmd, s.flag) {
			*s.dst = s.val
		}
	}
	if flagChanged(cmd, "workers") {
		cfg.Pipeline.Workers = o.workers
	}
	if flagChanged(cmd, "fetch-timeout") {
		cfg.Scraper.FetchTimeout = o.fetchTimeout
	}
	if flagChanged(cmd, "min-interval") {
		cfg.Pipeline.MinInterval = o.minInterval
	}
	if flagChanged(cmd, "no-headless") {
		cfg.Browser.Headless = !o.noHeadless
	}
}

func runAction(cmd *cobra.Command, cfg *config.Config, deps runDeps) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds := session.Credentials{Email: cfg.Auth.Email, Username: cfg.Auth.Username, Password: cfg.Auth.Password}
	slog.Info("postpulse starting",
		"version", Version,
		"input", cfg.Files.Input,
		"output", cfg.Files.Output,
		"failed", cfg.Files.Failed,
		"workers", cfg.Pipeline.Workers,
		"credentials", creds,
	)

	// ── 1. Read input: nothing is created if this fails ─────────────
	links, err := input.Read(cfg.Files.Input)
	if err != nil {
		slog.Error("cannot read input", "path", cfg.Files.Input, "error", err)
		return err
	}
	runID := uuid.NewString()
	rec := &recorder{path: cfg.Files.History, runID: runID, key: scraper.CanonicalKey}

	// ── 2. Run the pipeline ─────────────────────────────────────────
	var (
		summary models.RunSummary
		writer  *output.Writer
	)
	if len(links) == 0 {
		slog.Warn("input has no links, writing empty output", "path", cfg.Files.Input)
		summary, err = writeEmpty(cfg.Files)
	} else {
		open := func() (pipeline.Sink, error) {
			w, err := output.Open(cfg.Files.Output, cfg.Files.Failed)
			if err != nil {
				return nil, err
			}
			writer = w
			return rec.wrap(w, len(links)), nil
		}
		proc := pipeline.New(deps.authenticator(cfg), deps.fetcher(cfg), open, pipeline.Options{
			Workers:     cfg.Pipeline.Workers,
			MinInterval: cfg.Pipeline.MinInterval,
			Key:         scraper.CanonicalKey,
			Check:       checkLink,
		})
		summary, err = proc.Run(ctx, links)
	}
	summary.RunID = runID
	summary.OutputPath = cfg.Files.Output
	summary.FailedPath = cfg.Files.Failed
	rec.finish(summary)

	// ── 3. Report ───────────────────────────────────────────────────
	interrupted := ctx.Err() != nil
	if interrupted || err == nil || models.KindOf(err) == models.KindOutput {
		printSummary(cmd.OutOrStdout(), summary)
	}
	if cfg.Notify.URL != "" {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), notifyTimeout)
		webhook.NewNotifier(cfg.Notify.URL, cfg.Notify.Secret).Notify(nctx, webhook.NewRunCompleted(summary))
		cancel()
	}

	switch {
	case interrupted:
		slog.Warn("run interrupted", "processed", summary.Succeeded+summary.Failed, "total", summary.Total)
		return errInterrupted
	case err != nil:
		err = scrub(err, redact.New(creds.Email, creds.Username, creds.Password))
		slog.Error("run failed", "kind", models.KindOf(err), "error", err)
		return err
	}
	logArgs := []any{
		"run_id", runID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration", summary.Duration().Round(time.Millisecond),
	}
	if writer != nil {
		metricsRows, failedRows := writer.Counts()
		logArgs = append(logArgs, "output_rows", metricsRows, "failed_rows", failedRows)
	}
	slog.Info("run complete", logArgs...)
	return nil
}

// checkLink rejects links that are not post URLs before they take a pacing
// slot in the browser.
func checkLink(link string) error {
	if _, err := scraper.NormalizeURL(link); err != nil {
		return models.FetchError(models.ReasonMalformedURL, err)
	}
	return nil
}

// scrubbedError keeps the chain of a fatal error while hiding credentials
// from its text.
type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }
func (e *scrubbedError) Unwrap() error { return e.err }

func scrub(err error, r *redact.Redactor) error {
	msg := r.Error(err)
	if msg == err.Error() {
		return err
	}
	return &scrubbedError{msg: msg, err: err}
}

// writeEmpty produces header-only output files without signing in.
func writeEmpty(files config.FilesConfig) (models.RunSummary, error) {
	summary := models.RunSummary{StartedAt: time.Now()}
	w, err := output.Open(files.Output, files.Failed)
	if err == nil {
		err = w.Close()
	}
	summary.FinishedAt = time.Now()
	summary.State = string(pipeline.StateDone)
	if err != nil {
		summary.State = string(pipeline.StateFailed)
	}
	return summary, err
}
