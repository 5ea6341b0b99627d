package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultUserAgent identifies the scanner to storefronts.
const DefaultUserAgent = "Mozilla/5.0 (compatible; ProductPageScanner/1.7)"

// DefaultNotFoundKeywords lists the phrases storefronts render on removed or unknown product pages.
var DefaultNotFoundKeywords = []string{
	"페이지를 찾을 수",
	"찾을 수 없습니다",
	"존재하지",
	"삭제된",
	"판매중지",
	"상품이 없습니다",
	"없는 상품",
	"not found",
	"404",
}

// Config captures the full configuration required to run catalog discovery.
type Config struct {
	Scan      ScanConfig      `yaml:"scan" json:"scan"`
	Fetch     FetchConfig     `yaml:"fetch" json:"fetch"`
	Rendering RenderingConfig `yaml:"rendering" json:"rendering"`
	Robots    RobotsConfig    `yaml:"robots" json:"robots"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ScanConfig holds the pass engine thresholds and orchestration heuristics.
type ScanConfig struct {
	MissThreshold       int             `yaml:"miss_threshold" json:"miss_threshold"`
	AnomalyHitThreshold int             `yaml:"anomaly_hit_threshold" json:"anomaly_hit_threshold"`
	Delay               Duration        `yaml:"delay" json:"delay"`
	RateLimit           RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	SupplementaryRatio  float64         `yaml:"supplementary_ratio" json:"supplementary_ratio"`
	ResumeExtraRetry    bool            `yaml:"resume_extra_retry" json:"resume_extra_retry"`
	NotFoundKeywords    []string        `yaml:"not_found_keywords" json:"not_found_keywords"`
}

// RateLimitConfig applies a token bucket per storefront host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`
}

// FetchConfig controls the HTTP transport used for every probe.
type FetchConfig struct {
	UserAgent    string            `yaml:"user_agent" json:"user_agent"`
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
	Timeout      Duration          `yaml:"timeout" json:"timeout"`
	MaxBodyBytes int64             `yaml:"max_body_bytes" json:"max_body_bytes"`
	ProxyURL     string            `yaml:"proxy_url" json:"proxy_url,omitempty"`
}

// RenderingConfig controls optional JavaScript rendering.
type RenderingConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Engine          string   `yaml:"engine" json:"engine"`
	Timeout         Duration `yaml:"timeout" json:"timeout"`
	WaitForSelector string   `yaml:"wait_for_selector" json:"wait_for_selector,omitempty"`
	DisableHeadless bool     `yaml:"disable_headless" json:"disable_headless"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect" json:"respect"`
	UserAgent string   `yaml:"user_agent" json:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl" json:"cache_ttl"`
	Overrides []string `yaml:"overrides" json:"overrides,omitempty"`
}

// StoreConfig selects and configures the discovery store backend.
type StoreConfig struct {
	Backend   string    `yaml:"backend" json:"backend"`
	Directory string    `yaml:"directory" json:"directory"`
	LockTTL   Duration  `yaml:"lock_ttl" json:"lock_ttl"`
	SQL       SQLConfig `yaml:"sql" json:"sql"`
}

// SQLConfig describes a relational database connection used for persistence.
type SQLConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn" json:"-"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing" json:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate" json:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Structured bool   `yaml:"structured" json:"structured"`
}

// Store backends.
const (
	BackendFile = "file"
	BackendSQL  = "sql"
)

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		Scan: ScanConfig{
			MissThreshold:       100,
			AnomalyHitThreshold: 200,
			Delay:               DurationFrom(time.Second),
			SupplementaryRatio:  0.01,
			NotFoundKeywords:    append([]string(nil), DefaultNotFoundKeywords...),
		},
		Fetch: FetchConfig{
			UserAgent:    DefaultUserAgent,
			Headers:      map[string]string{},
			Timeout:      DurationFrom(10 * time.Second),
			MaxBodyBytes: 6 * 1024 * 1024,
		},
		Rendering: RenderingConfig{
			Engine:  "chromedp",
			Timeout: DurationFrom(20 * time.Second),
		},
		Robots: RobotsConfig{
			UserAgent: DefaultUserAgent,
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Store: StoreConfig{
			Backend:   BackendFile,
			Directory: "results",
			LockTTL:   DurationFrom(6 * time.Hour),
			SQL: SQLConfig{
				AutoMigrate: true,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the scanner configuration.
func (c Config) Validate() error {
	if c.Scan.MissThreshold <= 0 {
		return fmt.Errorf("scan.miss_threshold must be > 0 (got %d)", c.Scan.MissThreshold)
	}
	if c.Scan.AnomalyHitThreshold <= 0 {
		return fmt.Errorf("scan.anomaly_hit_threshold must be > 0 (got %d)", c.Scan.AnomalyHitThreshold)
	}
	if c.Scan.Delay.Duration < 0 {
		return fmt.Errorf("scan.delay must be >= 0 (got %s)", c.Scan.Delay)
	}
	if c.Scan.SupplementaryRatio < 0 {
		return fmt.Errorf("scan.supplementary_ratio must be >= 0 (got %g)", c.Scan.SupplementaryRatio)
	}
	if rl := c.Scan.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("scan.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if c.Fetch.Timeout.Duration <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0 (got %s)", c.Fetch.Timeout)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if c.Rendering.Enabled {
		switch c.Rendering.Engine {
		case "chromedp", "chrome", "none":
		default:
			return fmt.Errorf("unsupported rendering engine %q", c.Rendering.Engine)
		}
	}
	switch c.Store.Backend {
	case BackendFile:
		if c.Store.Directory == "" {
			return errors.New("store.directory must be set for the file backend")
		}
	case BackendSQL:
		if c.Store.SQL.Driver == "" || c.Store.SQL.DSN == "" {
			return errors.New("store.sql.driver and store.sql.dsn must be set for the sql backend")
		}
		switch c.Store.SQL.Driver {
		case "postgres", "pgx", "sqlite":
		default:
			return fmt.Errorf("unsupported store.sql.driver %q", c.Store.SQL.Driver)
		}
	default:
		return fmt.Errorf("unsupported store.backend %q", c.Store.Backend)
	}
	return nil
}

func (c *Config) normalise() {
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Fetch.ProxyURL = strings.TrimSpace(c.Fetch.ProxyURL)
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = make(map[string]string)
	}
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = c.Fetch.UserAgent
	}
	c.Rendering.Engine = strings.ToLower(strings.TrimSpace(c.Rendering.Engine))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Store.Directory = strings.TrimSpace(c.Store.Directory)
	c.Store.SQL.Driver = strings.ToLower(strings.TrimSpace(c.Store.SQL.Driver))
	c.Store.SQL.DSN = strings.TrimSpace(c.Store.SQL.DSN)

	// Keywords are matched against case-folded page text.
	if len(c.Scan.NotFoundKeywords) > 0 {
		c.Scan.NotFoundKeywords = dedupeLower(c.Scan.NotFoundKeywords)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// Clone returns a deep copy so sessions can override values without sharing maps or slices.
func (c Config) Clone() Config {
	out := c
	out.Scan.NotFoundKeywords = append([]string(nil), c.Scan.NotFoundKeywords...)
	if c.Fetch.Headers != nil {
		out.Fetch.Headers = make(map[string]string, len(c.Fetch.Headers))
		for k, v := range c.Fetch.Headers {
			out.Fetch.Headers[k] = v
		}
	}
	return out
}
