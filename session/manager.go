package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/postpulse/config"
	"github.com/use-agent/postpulse/models"
	"github.com/use-agent/postpulse/redact"
)

// Credentials identify the account used to view posts.
type Credentials struct {
	Email    string
	Username string
	Password string
}

// LogValue keeps credentials out of logs; only their presence is recorded.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("email", c.Email != ""),
		slog.Bool("username", c.Username != ""),
		slog.Bool("password", c.Password != ""),
	)
}

// usable reports whether the interactive login can be attempted.
func (c Credentials) usable() bool {
	return (c.Email != "" || c.Username != "") && c.Password != ""
}

// Manager establishes authenticated sessions. It makes exactly one login
// attempt per Authenticate call and never retries.
type Manager struct {
	browser  config.BrowserConfig
	auth     config.AuthConfig
	creds    Credentials
	tabs     int
	redactor *redact.Redactor

	// Browser-driving steps, replaced in tests.
	launch func(config.BrowserConfig, int) (*Session, error)
	verify func(context.Context, tabOpener) (bool, error)
	signIn func(context.Context, tabOpener, Credentials) error
	now    func() time.Time
}

// NewManager creates a Manager that opens tabs browser tabs once
// authenticated.
func NewManager(browser config.BrowserConfig, auth config.AuthConfig, tabs int) *Manager {
	creds := Credentials{Email: auth.Email, Username: auth.Username, Password: auth.Password}
	return &Manager{
		browser:  browser,
		auth:     auth,
		creds:    creds,
		tabs:     tabs,
		redactor: redact.New(creds.Email, creds.Username, creds.Password),
		launch:   launch,
		verify:   verifyLoggedIn,
		signIn:   login,
		now:      time.Now,
	}
}

// Authenticate launches the browser and establishes a logged-in session.
// Sources are tried in order: an imported cookie header, the saved state
// file, then the interactive login. Every failure is an AuthError and leaves
// no browser running.
func (m *Manager) Authenticate(ctx context.Context) (*Session, error) {
	if m.auth.LoginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.auth.LoginTimeout)
		defer cancel()
	}

	header, err := readCookieHeader(m.auth.Cookie, m.auth.CookieFile)
	if err != nil {
		return nil, models.AuthError("could not read cookie header", err)
	}
	pairs := parseCookieHeader(header)
	if header != "" && !hasCookie(pairs, authCookie) {
		if m.auth.StatePath == "" && !m.creds.usable() {
			return nil, models.AuthError("cookie header has no "+authCookie, nil)
		}
		slog.Warn("ignoring cookie header without "+authCookie, "cookies", len(pairs))
		pairs = nil
	}
	if len(pairs) == 0 && m.auth.StatePath == "" && !m.creds.usable() {
		return nil, models.AuthError("no credentials, cookie header, or session state supplied", nil)
	}

	slog.Info("authenticating", "credentials", m.creds, "cookie_header", len(pairs) > 0, "state", m.auth.StatePath != "")

	sess, err := m.launch(m.browser, m.tabs)
	if err != nil {
		return nil, models.AuthError("failed to start browser", err)
	}

	if err := m.establish(ctx, sess, pairs); err != nil {
		_ = sess.Close()
		return nil, models.AuthError(m.redactor.String(err.Error()), nil)
	}

	if m.auth.StatePath != "" {
		m.persist(sess)
	}
	slog.Info("browser session ready", "tabs", sess.Tabs())
	return sess, nil
}

func (m *Manager) establish(ctx context.Context, sess *Session, pairs []cookiePair) error {
	if len(pairs) > 0 {
		if err := sess.Browser().SetCookies(headerParams(pairs)); err != nil {
			return fmt.Errorf("import cookies: %w", err)
		}
		ok, err := m.verify(ctx, sess)
		if err != nil {
			return err
		}
		if ok {
			slog.Info("session established from cookie header")
			return nil
		}
		slog.Warn("cookie header did not yield a logged-in session")
	}

	if m.auth.StatePath != "" {
		params, err := loadState(m.auth.StatePath)
		if err != nil {
			slog.Warn("ignoring session state", "path", m.auth.StatePath, "error", err)
		}
		if len(params) > 0 {
			if err := sess.Browser().SetCookies(params); err != nil {
				return fmt.Errorf("restore session state: %w", err)
			}
			ok, err := m.verify(ctx, sess)
			if err != nil {
				return err
			}
			if ok {
				slog.Info("session restored from state file", "path", m.auth.StatePath)
				return nil
			}
			slog.Warn("saved session has expired", "path", m.auth.StatePath)
		}
	}

	if !m.creds.usable() {
		return errors.New("no valid session and no credentials for login")
	}
	if err := m.signIn(ctx, sess, m.creds); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out", errLoginFailed)
		}
		return err
	}
	slog.Info("logged in")
	return nil
}

// persist saves the session cookies. Failure only costs the next run a login.
func (m *Manager) persist(sess *Session) {
	cookies, err := sess.Browser().GetCookies()
	if err != nil {
		slog.Warn("could not read session cookies", "error", err)
		return
	}
	if err := saveState(m.auth.StatePath, cookies, m.now()); err != nil {
		slog.Warn("could not save session state", "path", m.auth.StatePath, "error", err)
		return
	}
	slog.Debug("session state saved", "path", m.auth.StatePath, "cookies", len(cookies))
}
