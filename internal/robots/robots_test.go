package robots

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"catalogscan/internal/config"
	"catalogscan/internal/platform"
)

func robotsServer(t *testing.T, body string, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestGateHonoursDisallow(t *testing.T) {
	srv, hits := robotsServer(t, "User-agent: *\nDisallow: /surl/\nDisallow: /Product/?idx=\n", http.StatusOK)
	gate := New(config.RobotsConfig{Respect: true, UserAgent: "ProductPageScanner"}, srv.Client())
	ctx := context.Background()

	cases := []struct {
		tmpl    platform.Template
		allowed bool
	}{
		{platform.Template(srv.URL + "/surl/p/{id}"), false},
		{platform.Template(srv.URL + "/Product/?idx={id}"), false},
		{platform.Template(srv.URL + "/product/detail.html?product_no={id}"), true},
	}
	for _, tc := range cases {
		d, err := gate.Check(ctx, tc.tmpl, 5)
		if err != nil {
			t.Fatalf("check %s: %v", tc.tmpl, err)
		}
		if d.Allowed != tc.allowed {
			t.Fatalf("%s: expected allowed=%v, got %+v", tc.tmpl, tc.allowed, d)
		}
		want := ReasonAllowed
		if !tc.allowed {
			want = ReasonDisallowed
		}
		if d.Reason != want || d.Target != tc.tmpl.Expand(5) {
			t.Fatalf("%s: unexpected decision %+v", tc.tmpl, d)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("robots.txt should be cached per origin, fetched %d times", got)
	}
}

func TestGateReportsCrawlDelay(t *testing.T) {
	srv, _ := robotsServer(t, "User-agent: *\nCrawl-delay: 3\nAllow: /\n", http.StatusOK)
	gate := New(config.RobotsConfig{Respect: true, UserAgent: "x"}, srv.Client())

	d, err := gate.Check(context.Background(), platform.Template(srv.URL+"/surl/p/{id}"), 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.CrawlDelay != 3*time.Second {
		t.Fatalf("expected allowed with 3s crawl delay, got %+v", d)
	}
}

func TestGateDisabledOrOverridden(t *testing.T) {
	srv, hits := robotsServer(t, "User-agent: *\nDisallow: /\n", http.StatusOK)
	tmpl := platform.Template(srv.URL + "/surl/p/{id}")
	host, _ := url.Parse(srv.URL)

	off := New(config.RobotsConfig{Respect: false}, srv.Client())
	if d, err := off.Check(context.Background(), tmpl, 1); err != nil || !d.Allowed || d.Reason != ReasonDisabled {
		t.Fatalf("disabled gate must allow everything, got %+v %v", d, err)
	}
	overridden := New(config.RobotsConfig{Respect: true, UserAgent: "x", Overrides: []string{host.Hostname()}}, srv.Client())
	if d, err := overridden.Check(context.Background(), tmpl, 1); err != nil || !d.Allowed || d.Reason != ReasonOverride {
		t.Fatalf("override host must be allowed, got %+v %v", d, err)
	}
	if hits.Load() != 0 {
		t.Fatal("neither gate should fetch robots.txt")
	}
}

func TestGateFailsOpen(t *testing.T) {
	srv, hits := robotsServer(t, "", http.StatusServiceUnavailable)
	gate := New(config.RobotsConfig{Respect: true, UserAgent: "x"}, srv.Client())
	tmpl := platform.Template(srv.URL + "/surl/p/{id}")

	for i := 0; i < 2; i++ {
		d, err := gate.Check(context.Background(), tmpl, 1)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !d.Allowed || d.Reason != ReasonUnavailable || d.Err == nil {
			t.Fatalf("server errors on robots.txt must not block scanning, got %+v", d)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("5xx responses must not be cached, fetched %d times", hits.Load())
	}
}

func TestGateTreatsMissingRobotsAsAllowAll(t *testing.T) {
	srv, _ := robotsServer(t, "", http.StatusNotFound)
	gate := New(config.RobotsConfig{Respect: true, UserAgent: "x"}, srv.Client())

	d, err := gate.Check(context.Background(), platform.Template(srv.URL+"/surl/p/{id}"), 9)
	if err != nil || !d.Allowed || d.Err != nil {
		t.Fatalf("a missing robots.txt allows everything, got %+v %v", d, err)
	}
}

func TestGateRejectsRelativeTemplate(t *testing.T) {
	gate := New(config.RobotsConfig{Respect: true, UserAgent: "x"}, nil)
	if _, err := gate.Check(context.Background(), platform.Template("/surl/p/{id}"), 1); err == nil {
		t.Fatal("relative product urls must be rejected")
	}
}
