// Package scanner walks the identifier space of a storefront template and
// classifies every probe until a stop condition is reached.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"catalogscan/internal/config"
	"catalogscan/internal/fetcher"
	"catalogscan/internal/oracle"
	"catalogscan/internal/platform"
	"catalogscan/pkg/types"
)

// ErrAnomalyDetected signals that the consecutive-hit guard tripped.
var ErrAnomalyDetected = errors.New("anomaly detected: too many consecutive hits")

// AnomalyError carries the diagnostic context of a tripped anomaly guard.
type AnomalyError struct {
	RequestedURL string
	FinalURL     string
	Hits         int
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("%v (%d in a row, last requested %s, landed on %s)", ErrAnomalyDetected, e.Hits, e.RequestedURL, e.FinalURL)
}

func (e *AnomalyError) Unwrap() error { return ErrAnomalyDetected }

const reasonTransport = "transport"

// StopReason records why a pass ended.
type StopReason string

const (
	StopMissThreshold StopReason = "miss_threshold"
	StopAnomaly       StopReason = "anomaly"
	StopCanceled      StopReason = "canceled"
)

// PassOptions parameterise one pass.
type PassOptions struct {
	// Pass numbers the pass within its session, for progress events.
	Pass  int
	Start int64
	// AllowExtraRetry grants one extra miss streak when nothing was found yet.
	AllowExtraRetry bool
	// Accumulator holds the session's dedup state. A fresh one is used when nil.
	Accumulator *Accumulator
}

// PassResult summarises a finished pass.
type PassResult struct {
	Pass      int             `json:"pass"`
	Start     int64           `json:"start"`
	LastID    int64           `json:"last_id"`
	Attempts  int             `json:"attempts"`
	RetryUsed bool            `json:"retry_used"`
	Stop      StopReason      `json:"stop"`
	Products  []types.Product `json:"products"`
}

// Engine runs scan passes. An Engine is safe for sequential use by one
// session; independent sessions should use their own Engine.
type Engine struct {
	fetcher fetcher.Fetcher
	oracle  *oracle.Oracle
	pacer   *Pacer

	missThreshold    int
	anomalyThreshold int
	render           bool

	sessionID string
	sink      ProgressSink
	logger    *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithSessionID tags progress events with a session identifier.
func WithSessionID(id string) Option {
	return func(e *Engine) { e.sessionID = id }
}

// WithProgressSink registers a receiver for per-probe progress events.
func WithProgressSink(sink ProgressSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPacer shares a pacer between engines.
func WithPacer(p *Pacer) Option {
	return func(e *Engine) {
		if p != nil {
			e.pacer = p
		}
	}
}

// NewEngine builds an engine from the scan configuration and a fetcher.
func NewEngine(cfg config.Config, f fetcher.Fetcher, opts ...Option) *Engine {
	e := &Engine{
		fetcher:          f,
		oracle:           oracle.New(cfg.Scan),
		missThreshold:    cfg.Scan.MissThreshold,
		anomalyThreshold: cfg.Scan.AnomalyHitThreshold,
		render:           cfg.Rendering.Enabled,
		logger:           slog.Default(),
	}
	if e.missThreshold <= 0 {
		e.missThreshold = 100
	}
	if e.anomalyThreshold <= 0 {
		e.anomalyThreshold = 200
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pacer == nil {
		e.pacer = NewPacer(cfg.Scan.Delay.Duration, RateLimiterSettings{
			Requests: cfg.Scan.RateLimit.Requests,
			Window:   cfg.Scan.RateLimit.Window.Duration,
		})
	}
	return e
}

// passState is the mutable state of one pass.
type passState struct {
	opts      PassOptions
	acc       *Accumulator
	before    int
	misses    int
	hits      int
	attempts  int
	retryUsed bool
}

func (s *passState) found() int { return s.acc.Len() - s.before }

// RunPass probes tmpl from opts.Start upward, one identifier at a time, until
// the miss streak reaches the threshold. It returns *AnomalyError when the hit
// streak reaches the anomaly threshold, and ctx.Err() when cancelled; in both
// cases the result still describes the work done so far.
func (e *Engine) RunPass(ctx context.Context, tmpl platform.Template, opts PassOptions) (PassResult, error) {
	if opts.Start < 1 {
		opts.Start = 1
	}
	acc := opts.Accumulator
	if acc == nil {
		acc = NewAccumulator(nil)
	}
	st := &passState{opts: opts, acc: acc, before: acc.Len()}
	host := tmpl.Host()
	logger := e.logger.With("template", tmpl.String(), "pass", opts.Pass, "start", opts.Start)
	logger.Info("pass started", "allow_extra_retry", opts.AllowExtraRetry)

	result := func(last int64, reason StopReason) PassResult {
		all := acc.Products()
		return PassResult{
			Pass:      opts.Pass,
			Start:     opts.Start,
			LastID:    last,
			Attempts:  st.attempts,
			RetryUsed: st.retryUsed,
			Stop:      reason,
			Products:  all[st.before:],
		}
	}

	last := opts.Start - 1
	for id := opts.Start; ; id++ {
		if err := e.pacer.Wait(ctx, host); err != nil {
			logger.Info("pass cancelled", "last_id", last, "found", st.found())
			return result(last, StopCanceled), err
		}

		requested := tmpl.Expand(id)
		evt, cls, err := e.probe(ctx, id, requested)
		e.pacer.Done(host)
		if err != nil {
			logger.Info("pass cancelled", "last_id", last, "found", st.found())
			return result(last, StopCanceled), err
		}
		st.attempts++
		last = id

		if cls.Verdict == oracle.Exists {
			st.misses = 0
			st.hits++
			evt.New = acc.Add(types.Product{Name: cls.Name, URL: evt.FinalURL})
		} else {
			st.hits = 0
			st.misses++
		}
		e.report(evt, st)

		if st.hits >= e.anomalyThreshold {
			logger.Warn("anomaly guard tripped", "id", id, "hits", st.hits, "final_url", evt.FinalURL)
			return result(last, StopAnomaly), &AnomalyError{RequestedURL: requested, FinalURL: evt.FinalURL, Hits: st.hits}
		}
		if st.misses >= e.missThreshold {
			if opts.AllowExtraRetry && !st.retryUsed && st.found() == 0 {
				st.retryUsed = true
				st.misses = 0
				logger.Info("no products yet, extending pass once", "id", id)
				continue
			}
			logger.Info("pass finished", "last_id", last, "attempts", st.attempts, "found", st.found())
			return result(last, StopMissThreshold), nil
		}
	}
}

// probe fetches one identifier and classifies it. Transport failures are folded
// into a Missing classification; only cancellation of ctx is returned as an error.
func (e *Engine) probe(ctx context.Context, id int64, requested string) (ProgressEvent, oracle.Classification, error) {
	evt := ProgressEvent{ID: id, URL: requested}

	target, err := url.Parse(requested)
	if err != nil {
		evt.TransportErr = err.Error()
		evt.Reason = reasonTransport
		return evt, oracle.Classification{Verdict: oracle.Missing}, nil
	}

	page, err := e.fetcher.Fetch(ctx, types.ProbeRequest{URL: target, ID: id, Render: e.render})
	if err != nil {
		if ctx.Err() != nil {
			return evt, oracle.Classification{}, ctx.Err()
		}
		e.logger.Debug("probe transport failure", "id", id, "url", requested, "error", err)
		evt.TransportErr = err.Error()
		evt.Reason = reasonTransport
		return evt, oracle.Classification{Verdict: oracle.Missing}, nil
	}

	final := requested
	if page.FinalURL != nil {
		final = page.FinalURL.String()
	}
	evt.FinalURL = final
	cls := e.oracle.Classify(oracle.Outcome{
		StatusCode:   page.StatusCode,
		RequestedURL: requested,
		FinalURL:     final,
		Body:         string(page.Body),
	})
	evt.Reason = string(cls.Reason)
	evt.Name = cls.Name
	e.logger.Debug("probe classified", "id", id, "status", page.StatusCode, "verdict", cls.Verdict.String(), "reason", cls.Reason)
	return evt, cls, nil
}

func (e *Engine) report(evt ProgressEvent, st *passState) {
	if e.sink == nil {
		return
	}
	verdict := oracle.Missing
	if st.hits > 0 {
		verdict = oracle.Exists
	}
	evt.SessionID = e.sessionID
	evt.Pass = st.opts.Pass
	evt.Verdict = verdict.String()
	evt.Misses = st.misses
	evt.Hits = st.hits
	evt.Found = st.acc.Len()
	evt.Attempts = st.attempts
	evt.RetryUsed = st.retryUsed
	evt.Timestamp = time.Now()
	if evt.Domain == "" {
		if u, err := url.Parse(evt.URL); err == nil {
			evt.Domain = platform.DomainKey(u.Hostname())
		}
	}
	e.sink.Report(evt)
}
