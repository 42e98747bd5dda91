package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

const (
	homeURL  = "https://x.com/home"
	loginURL = "https://x.com/i/flow/login"
)

const (
	selHomeMarker = `[data-testid="SideNav_NewTweet_Button"], [data-testid="SideNav_AccountSwitcher_Button"], [data-testid="AppTabBar_Home_Link"]`
	selIdentifier = `input[autocomplete="username"], input[name="text"]`
	selPassword   = `input[name="password"], input[type="password"]`
	selLoginGate  = `a[href="/login"], a[href="/i/flow/login"], input[autocomplete="username"]`
	selAlert      = `[role="alert"], [data-testid="toast"]`
)

// challengeMarkers identify the intermediate step that asks for the account
// handle after an unusual login.
var challengeMarkers = []string{
	"enter your phone number or username",
	"enter your phone number or email",
	"unusual login activity",
	"verify your identity",
}

// failureMarkers map page text to a login failure reason.
var failureMarkers = []struct {
	marker string
	reason string
}{
	{"wrong password", "wrong password"},
	{"could not log you in", "login rejected"},
	{"couldn't confirm your identity", "identity confirmation required"},
	{"confirmation code", "confirmation code required"},
	{"verification", "verification required"},
	{"suspended", "account suspended"},
	{"locked", "account locked"},
	{"suspicious", "suspicious login blocked"},
	{"too many attempts", "too many login attempts"},
	{"rate limit", "rate limited"},
	{"try again later", "rate limited"},
}

// loginStepTimeout bounds the wait for each step of the login flow.
const loginStepTimeout = 25 * time.Second

// errLoginFailed is returned when the flow ends somewhere other than home.
var errLoginFailed = errors.New("login failed")

// tabOpener opens a tab with the same stealth patches and headers the
// scraping tabs get. *Session implements it.
type tabOpener interface {
	newTab() (*rod.Page, error)
}

// verifyLoggedIn opens the home timeline and reports whether the account
// chrome renders rather than the login gate.
func verifyLoggedIn(ctx context.Context, tabs tabOpener) (bool, error) {
	page, err := tabs.newTab()
	if err != nil {
		return false, err
	}
	defer func() { _ = page.Close() }()

	ctx, cancel := context.WithTimeout(ctx, loginStepTimeout)
	defer cancel()
	p := page.Context(ctx)

	if err := p.Navigate(homeURL); err != nil {
		return false, fmt.Errorf("open home: %w", err)
	}
	loggedIn := false
	markHome := func(*rod.Element) error {
		loggedIn = true
		return nil
	}
	_, err = p.Race().
		Element(selHomeMarker).Handle(markHome).
		Element(selLoginGate).
		Do()
	if err != nil {
		return false, fmt.Errorf("wait for home: %w", err)
	}
	return loggedIn, nil
}

// login drives the interactive login flow: identifier, an optional handle
// challenge, then password. It returns nil once the home timeline renders.
func login(ctx context.Context, tabs tabOpener, creds Credentials) error {
	page, err := tabs.newTab()
	if err != nil {
		return err
	}
	defer func() { _ = page.Close() }()
	p := page.Context(ctx)

	if err := p.Navigate(loginURL); err != nil {
		return fmt.Errorf("open login flow: %w", err)
	}
	dismissConsent(p)

	identifier := creds.Email
	if identifier == "" {
		identifier = creds.Username
	}
	field, err := p.Timeout(loginStepTimeout).Element(selIdentifier)
	if err != nil {
		return fmt.Errorf("identifier field not shown: %w", err)
	}
	if err := submit(field, identifier); err != nil {
		return fmt.Errorf("submit identifier: %w", err)
	}

	if err := passChallenge(ctx, p, creds.Username); err != nil {
		return err
	}

	pw, err := p.Timeout(loginStepTimeout).Element(selPassword)
	if err != nil {
		return loginFailure(p, "password field not shown")
	}
	if err := submit(pw, creds.Password); err != nil {
		return fmt.Errorf("submit password: %w", err)
	}

	home := false
	markHome := func(*rod.Element) error {
		home = true
		return nil
	}
	_, err = p.Timeout(loginStepTimeout).Race().
		Element(selHomeMarker).Handle(markHome).
		Element(selAlert).
		Do()
	if err == nil && home {
		return nil
	}
	return loginFailure(p, "home timeline not reached")
}

// passChallenge waits until the password field shows, answering the handle
// challenge when the platform inserts it.
func passChallenge(ctx context.Context, p *rod.Page, username string) error {
	deadline := time.Now().Add(loginStepTimeout)
	answered := false
	for time.Now().Before(deadline) {
		if ok, _, _ := p.Has(selPassword); ok {
			return nil
		}
		html, err := p.HTML()
		if err == nil && !answered && isIdentifierChallenge(html) {
			if username == "" {
				return fmt.Errorf("%w: username challenge shown and no username supplied", errLoginFailed)
			}
			ok, field, _ := p.Has(selIdentifier)
			if ok {
				slog.Info("login asked to confirm the account handle")
				if err := submit(field, username); err != nil {
					return fmt.Errorf("submit username: %w", err)
				}
				answered = true
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return loginFailure(p, "password field not shown")
}

func submit(el *rod.Element, value string) error {
	if err := el.SelectAllText(); err != nil {
		return err
	}
	if err := el.Input(value); err != nil {
		return err
	}
	return el.Type(input.Enter)
}

// dismissConsent clicks a cookie banner button when one is showing.
func dismissConsent(p *rod.Page) {
	ok, el, err := p.HasR("button, [role=button]", `/^\s*(accept all cookies|accept all|accept|i agree|got it)\s*$/i`)
	if err != nil || !ok {
		return
	}
	_ = el.Click(proto.InputMouseButtonLeft, 1)
}

// loginFailure builds an error from whatever the page is showing.
func loginFailure(p *rod.Page, fallback string) error {
	html, err := p.HTML()
	if err != nil {
		return fmt.Errorf("%w: %s", errLoginFailed, fallback)
	}
	if reason := loginFailureReason(html); reason != "" {
		return fmt.Errorf("%w: %s", errLoginFailed, reason)
	}
	return fmt.Errorf("%w: %s", errLoginFailed, fallback)
}

// isIdentifierChallenge reports whether the page asks for the account handle.
func isIdentifierChallenge(html string) bool {
	text := documentText(html)
	for _, m := range challengeMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// loginFailureReason maps alert and page text to a short reason. It returns
// "" when nothing recognisable is shown.
func loginFailureReason(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	alerts := normalizeText(doc.Find(selAlert).Text())
	for _, f := range failureMarkers {
		if strings.Contains(alerts, f.marker) {
			return f.reason
		}
	}
	text := normalizeText(doc.Find("body").Text())
	for _, f := range failureMarkers {
		if strings.Contains(text, f.marker) {
			return f.reason
		}
	}
	if alerts != "" {
		return alerts
	}
	return ""
}

func documentText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return normalizeText(doc.Find("body").Text())
}

func normalizeText(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "’", "'"))
	return strings.Join(strings.Fields(s), " ")
}
