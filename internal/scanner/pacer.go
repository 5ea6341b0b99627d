package scanner

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// Pacer enforces the politeness delay between consecutive probes to one host,
// optionally combined with a token bucket. The delay is measured from the end
// of the previous probe, so slow responses do not shorten it.
type Pacer struct {
	delay       time.Duration
	rate        RateLimiterSettings
	rateEnabled bool

	mu       sync.Mutex
	last     map[string]time.Time
	limiters map[string]*rate.Limiter
}

// NewPacer creates a pacer with a fixed delay and optional rate limiting.
func NewPacer(delay time.Duration, rateCfg RateLimiterSettings) *Pacer {
	p := &Pacer{
		delay: delay,
		last:  make(map[string]time.Time),
	}
	if rateCfg.Requests > 0 && rateCfg.Window > 0 {
		p.rateEnabled = true
		p.rate = rateCfg
		p.limiters = make(map[string]*rate.Limiter)
	}
	return p
}

// Wait blocks until the host may be probed again or ctx is done.
func (p *Pacer) Wait(ctx context.Context, host string) error {
	if p == nil || host == "" {
		return ctx.Err()
	}
	host = strings.ToLower(host)

	var sleep time.Duration
	var limiter *rate.Limiter

	p.mu.Lock()
	if p.delay > 0 {
		if last, ok := p.last[host]; ok {
			if rest := time.Until(last.Add(p.delay)); rest > 0 {
				sleep = rest
			}
		}
	}
	if p.rateEnabled {
		limiter = p.ensureLimiterLocked(host)
	}
	p.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return ctx.Err()
}

// Done records the completion of a probe against host.
func (p *Pacer) Done(host string) {
	if p == nil || host == "" {
		return
	}
	p.mu.Lock()
	p.last[strings.ToLower(host)] = time.Now()
	p.mu.Unlock()
}

// Forget drops the pacing state for host once a session is finished with it.
func (p *Pacer) Forget(host string) {
	if p == nil {
		return
	}
	host = strings.ToLower(host)
	p.mu.Lock()
	delete(p.last, host)
	delete(p.limiters, host)
	p.mu.Unlock()
}

func (p *Pacer) ensureLimiterLocked(host string) *rate.Limiter {
	if limiter, ok := p.limiters[host]; ok {
		return limiter
	}
	interval := p.rate.Window / time.Duration(p.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), p.rate.Requests)
	p.limiters[host] = limiter
	return limiter
}
