// Package session owns the headless browser, the authenticated account
// state, and the pool of tabs used to fetch posts.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/postpulse/config"
	"github.com/ysmood/gson"
)

// acceptLanguage pins the UI language so page markers stay in English.
const acceptLanguage = "en-US,en;q=0.9"

// Session is an authenticated browser session. Tabs are borrowed with
// AcquireTab and returned with ReleaseTab. It is safe for concurrent use.
type Session struct {
	launcher  *launcher.Launcher
	browser   *rod.Browser
	pool      rod.Pool[rod.Page]
	tabs      int
	userAgent string

	// pid and memLimitMB drive the browser memory guard.
	pid        int
	memLimitMB int
	releases   atomic.Int64

	mu     sync.Mutex
	health map[*rod.Page]*tabHealth

	closeOnce sync.Once
	closeErr  error
}

// launch starts a stealth-configured Chromium and connects to it.
func launch(cfg config.BrowserConfig, tabs int) (*Session, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))
	l.Set(flags.Flag("lang"), "en-US")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	slog.Debug("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	if tabs < 1 {
		tabs = 1
	}
	return &Session{
		launcher:   l,
		browser:    browser,
		pool:       rod.NewPagePool(tabs),
		tabs:       tabs,
		userAgent:  cfg.UserAgent,
		pid:        l.PID(),
		memLimitMB: cfg.MaxMemoryMB,
		health:     make(map[*rod.Page]*tabHealth, tabs),
	}, nil
}

// newTab opens a tab with stealth patches and language headers installed.
// Stealth scripts only apply to navigations made after installation.
func (s *Session) newTab() (*rod.Page, error) {
	page, err := s.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	_, err = page.EvalOnNewDocument(stealth.JS)
	warnTabSetup("stealth injection", err)
	if s.userAgent != "" {
		warnTabSetup("user agent override", page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      s.userAgent,
			AcceptLanguage: acceptLanguage,
		}))
	}
	warnTabSetup("accept-language override", proto.NetworkSetExtraHTTPHeaders{
		Headers: proto.NetworkHeaders{"Accept-Language": gson.New(acceptLanguage)},
	}.Call(page))
	return page, nil
}

// warnTabSetup logs a failed tab setup step. The tab stays usable, only
// less disguised.
func warnTabSetup(step string, err error) {
	if err != nil {
		slog.Warn(step+" failed, continuing without it", "error", err)
	}
}

// AcquireTab borrows a tab from the pool, creating one on first use.
func (s *Session) AcquireTab() (*rod.Page, error) {
	page, err := s.pool.Get(func() (*rod.Page, error) {
		p, err := s.newTab()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.health[p] = newTabHealth(time.Now())
		s.mu.Unlock()
		return p, nil
	})
	if err != nil {
		// A failed create consumes the pool slot; hand it back empty.
		s.pool.Put(nil)
		return nil, err
	}
	return page, nil
}

// ReleaseTab returns a tab to the pool. ok reports whether the fetch on it
// succeeded. Unhealthy tabs are closed and replaced lazily.
func (s *Session) ReleaseTab(page *rod.Page, ok bool) {
	if page == nil {
		s.pool.Put(nil)
		return
	}
	if err := page.Navigate("about:blank"); err != nil {
		slog.Debug("tab cleanup: navigate to about:blank failed", "error", err)
		ok = false
	}

	s.mu.Lock()
	h := s.health[page]
	retire := h == nil
	if h != nil {
		h.record(ok)
		retire = h.shouldRetire(time.Now())
	}
	if retire {
		delete(s.health, page)
	}
	s.mu.Unlock()

	if !retire && s.releases.Add(1)%memoryCheckEvery == 0 && overMemory(s.pid, s.memLimitMB) {
		slog.Warn("browser over memory limit, recycling tab", "limit_mb", s.memLimitMB)
		s.mu.Lock()
		delete(s.health, page)
		s.mu.Unlock()
		retire = true
	}

	if retire {
		slog.Debug("retiring browser tab")
		_ = page.Close()
		s.pool.Put(nil)
		return
	}
	s.pool.Put(page)
}

// Tabs returns the pool size.
func (s *Session) Tabs() int { return s.tabs }

// Browser exposes the underlying browser for login and cookie handling.
func (s *Session) Browser() *rod.Browser { return s.browser }

// Close drains the tab pool, closes the browser, and removes the temporary
// profile. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.browser != nil {
			s.pool.Cleanup(func(p *rod.Page) { _ = p.Close() })
			if err := s.browser.Close(); err != nil {
				s.closeErr = fmt.Errorf("close browser: %w", err)
			}
		}
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
		slog.Debug("browser session closed")
	})
	return s.closeErr
}
