package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"catalogscan/internal/config"
	"catalogscan/pkg/types"
)

// RenderOptions configures the JavaScript rendering pipeline.
type RenderOptions struct {
	Timeout         time.Duration
	WaitForSelector string
	UserAgent       string
	MaxBodyBytes    int64
	DisableHeadless bool
	SettleDelay     time.Duration
}

// ChromedpRenderer loads product pages in headless Chrome for storefronts that
// build the product title client side. One browser runs at a time per renderer.
type ChromedpRenderer struct {
	opts   RenderOptions
	slot   chan struct{}
	logger *slog.Logger
}

// NewChromedpRenderer constructs a renderer.
func NewChromedpRenderer(opts RenderOptions, logger *slog.Logger) *ChromedpRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 1500 * time.Millisecond
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = config.DefaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromedpRenderer{
		opts:   opts,
		slot:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Render navigates to the probe URL and exports the final DOM along with the landing location.
func (r *ChromedpRenderer) Render(parentCtx context.Context, req types.ProbeRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, ErrNilURL
	}
	logger := r.logger.With("url", req.URL.String(), "id", req.ID)

	select {
	case r.slot <- struct{}{}:
		defer func() { <-r.slot }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx,
		chromedp.Flag("headless", !r.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(r.opts.UserAgent),
	)
	defer allocCancel()

	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	start := time.Now()
	// The oracle's first rule is the document status, so it comes from the
	// navigation response rather than the exported DOM.
	resp, err := chromedp.RunResponse(chromeCtx, chromedp.Navigate(req.URL.String()))
	if err != nil {
		logger.Debug("chromedp navigate failed", "error", err)
		return nil, fmt.Errorf("chromedp navigate: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("chromedp navigate: no document response for %s", req.URL)
	}

	var actions []chromedp.Action
	if selector := strings.TrimSpace(r.opts.WaitForSelector); selector != "" && resp.Status == 200 {
		actions = append(actions, chromedp.WaitReady(selector, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.Sleep(r.opts.SettleDelay))
	}

	var (
		html     string
		location string
	)
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		logger.Debug("chromedp run failed", "error", err)
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	if int64(len(html)) > r.opts.MaxBodyBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, r.opts.MaxBodyBytes)
	}

	latency := time.Since(start)
	page := renderedPage(req, int(resp.Status), html, location, latency)
	logger.Debug("chromedp render complete", "latency_ms", latency.Milliseconds(),
		"status", page.StatusCode, "final_url", page.FinalURL.String())
	return page, nil
}

// renderedPage assembles the probe result of a render. The landing location
// replaces the request URL when it parses.
func renderedPage(req types.ProbeRequest, status int, html, location string, latency time.Duration) *types.Page {
	finalURL := req.URL
	if location != "" {
		if u, err := url.Parse(location); err == nil {
			finalURL = u
		}
	}
	return &types.Page{
		URL:             req.URL,
		FinalURL:        finalURL,
		Body:            []byte(html),
		ContentType:     "text/html; charset=utf-8",
		StatusCode:      status,
		FetchedAt:       time.Now(),
		Rendered:        true,
		ResponseLatency: latency,
	}
}
