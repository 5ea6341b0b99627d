package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"catalogscan/internal/config"
	"catalogscan/pkg/types"
)

const defaultMaxBodyBytes = 6 * 1024 * 1024

var (
	// ErrBodyTooLarge is returned when a decoded response exceeds the configured cap.
	ErrBodyTooLarge = errors.New("response body exceeds limit")
	// ErrNilURL rejects probe requests without a target.
	ErrNilURL = errors.New("probe URL is nil")
)

// Fetcher retrieves one product URL, following redirects.
type Fetcher interface {
	Fetch(ctx context.Context, req types.ProbeRequest) (*types.Page, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
}

// OptionsFromConfig maps the fetch section of the configuration to Options.
func OptionsFromConfig(cfg config.FetchConfig) Options {
	return Options{
		UserAgent:    cfg.UserAgent,
		Headers:      cfg.Headers,
		Timeout:      cfg.Timeout.Duration,
		MaxBodyBytes: cfg.MaxBodyBytes,
		ProxyURL:     cfg.ProxyURL,
	}
}

// HTTPFetcher implements Fetcher via the Go http.Client.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   opts.Timeout,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	// Default redirect policy (follow up to 10 hops) so FinalURL reflects the landing page.
	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:       client,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

// Fetch performs a single GET for the probe URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, req types.ProbeRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, ErrNilURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, err
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	contentType := resp.Header.Get("Content-Type")
	return &types.Page{
		URL:             req.URL,
		FinalURL:        finalURL,
		Body:            toUTF8(body, contentType),
		ContentType:     contentType,
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		ResponseLatency: time.Since(start),
	}, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}
	return body, nil
}

// toUTF8 transcodes pages declared in a legacy charset (EUC-KR is common on
// older storefronts). The windows-1252 fallback guess is not trusted.
func toUTF8(body []byte, contentType string) []byte {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" || (!certain && name == "windows-1252") {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

// Renderer executes JavaScript and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req types.ProbeRequest) (*types.Page, error)
}

// Composite chooses between raw HTTP and a renderer per request.
type Composite struct {
	defaultFetcher Fetcher
	renderer       Renderer
	logger         *slog.Logger
}

// NewComposite builds a composite fetcher from HTTP and optional renderer components.
func NewComposite(httpFetcher Fetcher, renderer Renderer, logger *slog.Logger) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{defaultFetcher: httpFetcher, renderer: renderer, logger: logger}
}

// Fetch delegates to the renderer when requested, falling back to plain HTTP on renderer errors.
func (c *Composite) Fetch(ctx context.Context, req types.ProbeRequest) (*types.Page, error) {
	if req.Render && c.renderer != nil {
		page, err := c.renderer.Render(ctx, req)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("renderer failed, falling back to HTTP fetch", "url", req.URL.String(), "error", err)
	}
	req.Render = false
	return c.defaultFetcher.Fetch(ctx, req)
}

// New assembles the fetcher described by the configuration. The returned
// HTTPFetcher is also exposed so callers can share its client.
func New(cfg config.Config, logger *slog.Logger) (Fetcher, *HTTPFetcher, error) {
	httpFetcher, err := NewHTTPFetcher(OptionsFromConfig(cfg.Fetch))
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Rendering.Enabled || cfg.Rendering.Engine == "none" {
		return httpFetcher, httpFetcher, nil
	}
	renderer := NewChromedpRenderer(RenderOptions{
		Timeout:         cfg.Rendering.Timeout.Duration,
		WaitForSelector: cfg.Rendering.WaitForSelector,
		UserAgent:       cfg.Fetch.UserAgent,
		MaxBodyBytes:    cfg.Fetch.MaxBodyBytes,
		DisableHeadless: cfg.Rendering.DisableHeadless,
	}, logger)
	return NewComposite(httpFetcher, renderer, logger), httpFetcher, nil
}
