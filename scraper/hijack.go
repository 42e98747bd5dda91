package scraper

import (
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// configToProto maps human-readable config strings to Rod protocol resource types.
var configToProto = map[string]proto.NetworkResourceType{
	"Image":      proto.NetworkResourceTypeImage,
	"Stylesheet": proto.NetworkResourceTypeStylesheet,
	"Font":       proto.NetworkResourceTypeFont,
	"Media":      proto.NetworkResourceTypeMedia,
	"Ping":       proto.NetworkResourceTypePing,
}

// trackerDomains are analytics and ad hosts a post page pulls in that play no
// part in rendering the counters.
var trackerDomains = map[string]struct{}{
	"analytics.twitter.com":  {},
	"ads-twitter.com":        {},
	"ads-api.twitter.com":    {},
	"static.ads-twitter.com": {},
	"doubleclick.net":        {},
	"googlesyndication.com":  {},
	"google-analytics.com":   {},
	"googletagmanager.com":   {},
	"googleadservices.com":   {},
	"scorecardresearch.com":  {},
	"facebook.net":           {},
	"adsrvr.org":             {},
	"amazon-adsystem.com":    {},
	"criteo.com":             {},
	"demdex.net":             {},
}

// isTracker checks if a hostname (or any parent domain) is a tracker.
func isTracker(host string) bool {
	host = strings.ToLower(host)
	for {
		if _, ok := trackerDomains[host]; ok {
			return true
		}
		idx := strings.IndexByte(host, '.')
		if idx < 0 {
			return false
		}
		host = host[idx+1:]
	}
}

// blockedTypes builds the lookup set of resource types to fail. Unknown
// names are ignored.
func blockedTypes(names []string) map[proto.NetworkResourceType]struct{} {
	blocked := make(map[proto.NetworkResourceType]struct{}, len(names))
	for _, name := range names {
		if rt, ok := configToProto[name]; ok {
			blocked[rt] = struct{}{}
		}
	}
	return blocked
}

// setupHijack installs a request interceptor on the page that fails blocked
// resource types and, optionally, tracker requests.
//
// Returns the running HijackRouter so the caller can defer router.Stop().
// Returns nil if there is nothing to block.
func setupHijack(page *rod.Page, types []string, blockTrackers bool) *rod.HijackRouter {
	blocked := blockedTypes(types)
	if len(blocked) == 0 && !blockTrackers {
		return nil
	}

	router := page.HijackRequests()

	// Pattern "*" + empty resourceType = intercept ALL requests, then
	// decide per-request whether to block or continue.
	_ = router.Add("*", "", func(ctx *rod.Hijack) {
		if _, ok := blocked[ctx.Request.Type()]; ok {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		if blockTrackers {
			if u, err := url.Parse(ctx.Request.URL().String()); err == nil && isTracker(u.Hostname()) {
				ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// router.Run() blocks; it exits when router.Stop() is called.
	go router.Run()

	return router
}
