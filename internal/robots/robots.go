// Package robots decides whether a storefront's robots.txt lets a scan pass
// probe a product template.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"catalogscan/internal/config"
	"catalogscan/internal/platform"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonDisabled    Reason = "disabled"
	ReasonOverride    Reason = "override"
	ReasonUnavailable Reason = "robots_unavailable"
	ReasonNoGroup     Reason = "no_matching_group"
	ReasonAllowed     Reason = "allowed"
	ReasonDisallowed  Reason = "disallowed"
)

// Decision is the verdict for one product URL.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Target is the product URL the rules were tested against.
	Target string
	// CrawlDelay is the storefront's requested pause for our user agent, if any.
	CrawlDelay time.Duration
	// Err is set when robots.txt could not be read; the decision then fails open.
	Err error
}

// Gate holds parsed robots.txt files per storefront origin.
type Gate struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool
	skip      map[string]struct{}

	mu      sync.Mutex
	origins map[string]origin
}

type origin struct {
	loaded time.Time
	rules  *robotstxt.RobotsData
}

// New builds a gate. Hosts listed in cfg.Overrides are never checked.
func New(cfg config.RobotsConfig, client *http.Client) *Gate {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	skip := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		if host = platform.DomainKey(strings.TrimSpace(host)); host != "" {
			skip[host] = struct{}{}
		}
	}
	return &Gate{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		skip:      skip,
		origins:   make(map[string]origin),
	}
}

// Enabled reports whether robots.txt is consulted at all.
func (g *Gate) Enabled() bool { return g != nil && g.respect }

// Check tests the product URL the template produces for id. Storefronts put
// the identifier in the path or the query, so rules match the request URI.
func (g *Gate) Check(ctx context.Context, tmpl platform.Template, id int64) (Decision, error) {
	raw := tmpl.Expand(id)
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() {
		return Decision{}, fmt.Errorf("robots: product url %q is not absolute", raw)
	}
	d := Decision{Allowed: true, Target: raw}
	switch {
	case !g.Enabled():
		d.Reason = ReasonDisabled
		return d, nil
	case g.skipped(target):
		d.Reason = ReasonOverride
		return d, nil
	}

	rules, err := g.load(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		d.Reason, d.Err = ReasonUnavailable, err
		return d, nil
	}
	group := rules.FindGroup(g.userAgent)
	if group == nil {
		d.Reason = ReasonNoGroup
		return d, nil
	}
	d.CrawlDelay = group.CrawlDelay
	if d.Allowed = group.Test(target.RequestURI()); d.Allowed {
		d.Reason = ReasonAllowed
	} else {
		d.Reason = ReasonDisallowed
	}
	return d, nil
}

func (g *Gate) skipped(target *url.URL) bool {
	_, ok := g.skip[platform.DomainKey(target.Hostname())]
	return ok
}

// load returns the rules for the target's origin, fetching robots.txt when
// the cached copy is older than the TTL. A 4xx counts as an empty file; 5xx
// and transport errors are not cached.
func (g *Gate) load(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(target.Scheme + "://" + target.Host)

	g.mu.Lock()
	cached, ok := g.origins[key]
	g.mu.Unlock()
	if ok && time.Since(cached.loaded) < g.ttl {
		return cached.rules, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("robots.txt returned status %d", resp.StatusCode)
	}
	rules, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	g.mu.Lock()
	g.origins[key] = origin{loaded: time.Now(), rules: rules}
	g.mu.Unlock()
	return rules, nil
}
