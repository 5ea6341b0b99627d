// Package orchestrator runs complete discovery sessions: it resolves the input
// URL, decides where passes start, drives the scanner and persists the merge.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"catalogscan/internal/config"
	"catalogscan/internal/fetcher"
	"catalogscan/internal/platform"
	"catalogscan/internal/robots"
	"catalogscan/internal/scanner"
	"catalogscan/internal/storage"
	"catalogscan/pkg/types"
)

var (
	// ErrPersist wraps discovery store save failures. The accompanying Report is complete.
	ErrPersist = errors.New("persist discoveries")
	// ErrRobotsDisallowed is returned when robots.txt forbids probing the template.
	ErrRobotsDisallowed = errors.New("robots.txt disallows scanning")
	// ErrDuplicateDomain rejects a second session for a domain within one batch.
	ErrDuplicateDomain = errors.New("domain already scheduled in this batch")
)

// Mode selects the session workflow.
type Mode string

const (
	ModeFresh  Mode = "fresh"
	ModeResume Mode = "resume"
)

// ParseMode maps user input to a Mode; empty input means resume.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFresh:
		return ModeFresh, nil
	case ModeResume, "":
		return ModeResume, nil
	default:
		return "", fmt.Errorf("unknown scan mode %q", s)
	}
}

// Report is the outcome of one session.
type Report struct {
	Input      string               `json:"input"`
	Mode       Mode                 `json:"mode"`
	Platform   platform.Platform    `json:"platform"`
	Template   platform.Template    `json:"template"`
	Domain     string               `json:"domain"`
	InputID    int64                `json:"input_id"`
	StartID    int64                `json:"start_id"`
	Existing   int                  `json:"existing"`
	Passes     []scanner.PassResult `json:"passes"`
	New        []types.Product      `json:"new"`
	Products   []types.Product      `json:"products"`
	Persisted  bool                 `json:"persisted"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

// Service runs sessions against one discovery store.
type Service struct {
	cfg     config.Config
	fetcher fetcher.Fetcher
	store   storage.Store
	robots  *robots.Gate
	pacer   *scanner.Pacer
	logger  *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithRobots gates every pass on robots.txt.
func WithRobots(gate *robots.Gate) Option {
	return func(s *Service) { s.robots = gate }
}

// WithLogger overrides the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wires a service. The fetcher and store are shared by all sessions.
func NewService(cfg config.Config, f fetcher.Fetcher, store storage.Store, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		fetcher: f,
		store:   store,
		logger:  slog.Default(),
		pacer: scanner.NewPacer(cfg.Scan.Delay.Duration, scanner.RateLimiterSettings{
			Requests: cfg.Scan.RateLimit.Requests,
			Window:   cfg.Scan.RateLimit.Window.Duration,
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fresh scans from identifier 1.
func (s *Service) Fresh(ctx context.Context, rawURL string, opts ...scanner.Option) (*Report, error) {
	return s.Run(ctx, rawURL, ModeFresh, opts...)
}

// Resume continues after the highest identifier already stored for the domain.
func (s *Service) Resume(ctx context.Context, rawURL string, opts ...scanner.Option) (*Report, error) {
	return s.Run(ctx, rawURL, ModeResume, opts...)
}

// Run executes one session. Resolution failures return a nil Report. Every
// other failure returns the Report describing the work done so far.
func (s *Service) Run(ctx context.Context, rawURL string, mode Mode, opts ...scanner.Option) (*Report, error) {
	res, err := platform.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	inputID, err := platform.ExtractID(rawURL)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Input:     rawURL,
		Mode:      mode,
		Platform:  res.Platform,
		Template:  res.Template,
		Domain:    res.Domain,
		InputID:   inputID,
		StartedAt: time.Now(),
	}
	defer func() { report.FinishedAt = time.Now() }()
	logger := s.logger.With("domain", res.Domain, "mode", string(mode))

	if locker, ok := s.store.(storage.Locker); ok {
		lock, err := locker.Lock(ctx, res.Domain)
		if err != nil {
			return report, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("release domain lock failed", "error", err)
			}
		}()
	}

	existing, loadErr := s.store.Load(ctx, res.Domain)
	if loadErr != nil {
		logger.Warn("discovery store load failed, continuing with an empty store", "error", loadErr)
		existing = nil
	}
	report.Existing = len(existing)

	start := int64(1)
	if mode == ModeResume && loadErr == nil {
		last, err := s.store.LastIdentifier(ctx, res.Domain)
		if err != nil {
			logger.Warn("last identifier lookup failed, resuming from 1", "error", err)
		} else {
			start = last + 1
		}
	}
	report.StartID = start

	if err := s.checkRobots(ctx, res.Template, start); err != nil {
		return report, err
	}

	// Fresh sessions count everything they see; resumed sessions only count
	// products that are not stored yet.
	var acc *scanner.Accumulator
	if mode == ModeResume {
		acc = scanner.NewAccumulator(existing)
	} else {
		acc = scanner.NewAccumulator(nil)
	}

	engineOpts := append([]scanner.Option{scanner.WithPacer(s.pacer), scanner.WithLogger(logger)}, opts...)
	engine := scanner.NewEngine(s.cfg, s.fetcher, engineOpts...)
	defer s.pacer.Forget(res.Template.Host())

	first := scanner.PassOptions{Pass: 1, Start: start, AllowExtraRetry: true, Accumulator: acc}
	if mode == ModeResume {
		first.AllowExtraRetry = s.cfg.Scan.ResumeExtraRetry
	}
	passErr := s.runPass(ctx, engine, res.Template, first, report)

	if passErr == nil && s.needsSupplementary(mode, inputID, start, len(existing), acc.Len()) {
		logger.Info("sparse results, running supplementary pass", "anchor", inputID, "found", acc.Len())
		if err := s.checkRobots(ctx, res.Template, inputID); err != nil {
			passErr = err
		} else {
			passErr = s.runPass(ctx, engine, res.Template,
				scanner.PassOptions{Pass: 2, Start: inputID, Accumulator: acc}, report)
		}
	}

	var anomaly *scanner.AnomalyError
	if errors.As(passErr, &anomaly) {
		logger.Warn("session aborted by anomaly guard, nothing persisted", "error", passErr)
		report.New = acc.Products()
		report.Products = merge(existing, report.New)
		return report, passErr
	}

	report.Products, report.New = mergeNew(existing, acc.Products())
	if loadErr != nil && len(report.New) == 0 {
		// Nothing to add and the stored file could not be read: leave it alone.
		return report, passErr
	}

	saveCtx := context.WithoutCancel(ctx)
	if err := s.store.Save(saveCtx, res.Domain, report.Products); err != nil {
		logger.Error("discovery store save failed", "error", err)
		return report, errors.Join(passErr, fmt.Errorf("%w: %w", ErrPersist, err))
	}
	report.Persisted = true
	logger.Info("session finished", "new", len(report.New), "total", len(report.Products))
	return report, passErr
}

// Products returns the stored products of a domain.
func (s *Service) Products(ctx context.Context, domain string) ([]types.Product, error) {
	return s.store.Load(ctx, platform.DomainKey(domain))
}

func (s *Service) runPass(ctx context.Context, engine *scanner.Engine, tmpl platform.Template, opts scanner.PassOptions, report *Report) error {
	result, err := engine.RunPass(ctx, tmpl, opts)
	report.Passes = append(report.Passes, result)
	return err
}

// needsSupplementary applies the sparse-catalogue heuristic: a second pass
// anchored at the input identifier when fewer than ratio*inputID products are known.
func (s *Service) needsSupplementary(mode Mode, inputID, start int64, existing, found int) bool {
	floor := float64(inputID) * s.cfg.Scan.SupplementaryRatio
	if mode == ModeResume {
		return inputID > start && float64(existing+found) < floor
	}
	return float64(found) < floor
}

func (s *Service) checkRobots(ctx context.Context, tmpl platform.Template, id int64) error {
	if !s.robots.Enabled() {
		return nil
	}
	d, err := s.robots.Check(ctx, tmpl, id)
	if err != nil {
		return err
	}
	logger := s.logger.With("template", tmpl.String(), "robots", string(d.Reason))
	if d.Err != nil {
		logger.Warn("robots.txt unavailable, scanning anyway", "error", d.Err)
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s", ErrRobotsDisallowed, d.Target)
	}
	if d.CrawlDelay > s.cfg.Scan.Delay.Duration {
		logger.Warn("robots.txt asks for a longer crawl delay than scan.delay",
			"crawl_delay", d.CrawlDelay, "delay", s.cfg.Scan.Delay.Duration)
	}
	return nil
}

// mergeNew appends the session products whose canonical URL is not stored yet.
// It returns the merged list and the appended subset.
func mergeNew(existing, session []types.Product) ([]types.Product, []types.Product) {
	seen := make(map[string]struct{}, len(existing)+len(session))
	merged := make([]types.Product, 0, len(existing)+len(session))
	for _, p := range existing {
		key := scanner.CanonicalKey(p.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, p)
	}
	var added []types.Product
	for _, p := range session {
		key := scanner.CanonicalKey(p.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, p)
		added = append(added, p)
	}
	return merged, added
}

func merge(existing, session []types.Product) []types.Product {
	merged, _ := mergeNew(existing, session)
	return merged
}
