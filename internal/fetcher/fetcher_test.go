package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"golang.org/x/text/encoding/korean"

	"catalogscan/pkg/types"
)

func probe(t *testing.T, raw string) types.ProbeRequest {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return types.ProbeRequest{URL: u, ID: 1}
}

func TestHTTPFetcherFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/surl/p/7", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/product/widget/7/category/1/", http.StatusFound)
	})
	mux.HandleFunc("/product/widget/7/category/1/", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "probe-test" {
			t.Errorf("unexpected user agent %q", got)
		}
		if got := r.Header.Get("X-Extra"); got != "1" {
			t.Errorf("missing extra header, got %q", got)
		}
		_, _ = io.WriteString(w, "<html><title>Widget</title></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, err := NewHTTPFetcher(Options{UserAgent: "probe-test", Headers: map[string]string{"X-Extra": "1"}})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	page, err := f.Fetch(context.Background(), probe(t, srv.URL+"/surl/p/7"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", page.StatusCode)
	}
	if page.FinalURL.Path != "/product/widget/7/category/1/" {
		t.Fatalf("unexpected final url %s", page.FinalURL)
	}
	if page.URL.Path != "/surl/p/7" {
		t.Fatalf("requested url should be preserved, got %s", page.URL)
	}
}

func TestHTTPFetcherDecodesCompressedBodies(t *testing.T) {
	const payload = "<html><title>압축된 상품</title></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		switch r.URL.Path {
		case "/gzip":
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write([]byte(payload))
			_ = zw.Close()
			w.Header().Set("Content-Encoding", "gzip")
		case "/br":
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write([]byte(payload))
			_ = bw.Close()
			w.Header().Set("Content-Encoding", "br")
		default:
			buf.WriteString(payload)
		}
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(Options{})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	for _, path := range []string{"/gzip", "/br", "/plain"} {
		page, err := f.Fetch(context.Background(), probe(t, srv.URL+path))
		if err != nil {
			t.Fatalf("%s: fetch: %v", path, err)
		}
		if string(page.Body) != payload {
			t.Fatalf("%s: unexpected body %q", path, page.Body)
		}
	}
}

func TestHTTPFetcherRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("a", 64))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(Options{MaxBodyBytes: 32})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	_, err = f.Fetch(context.Background(), probe(t, srv.URL))
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestHTTPFetcherTranscodesLegacyCharset(t *testing.T) {
	const text = "<html><body>존재하지 않는 상품입니다</body></html>"
	encoded, err := korean.EUCKR.NewEncoder().String(text)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=euc-kr")
		_, _ = io.WriteString(w, encoded)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(Options{})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	page, err := f.Fetch(context.Background(), probe(t, srv.URL))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(page.Body) != text {
		t.Fatalf("expected utf-8 body %q, got %q", text, page.Body)
	}
}

func TestHTTPFetcherKeepsUndeclaredUTF8(t *testing.T) {
	text := strings.Repeat("ascii prefix ", 100) + "상품"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, text)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(Options{})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	page, err := f.Fetch(context.Background(), probe(t, srv.URL))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(page.Body) != text {
		t.Fatalf("body must not be re-decoded, got %q", page.Body)
	}
}

func TestHTTPFetcherReportsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f, err := NewHTTPFetcher(Options{})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	page, err := f.Fetch(context.Background(), probe(t, srv.URL+"/missing"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", page.StatusCode)
	}
}

func TestHTTPFetcherNilURL(t *testing.T) {
	f, err := NewHTTPFetcher(Options{})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if _, err := f.Fetch(context.Background(), types.ProbeRequest{}); !errors.Is(err, ErrNilURL) {
		t.Fatalf("expected ErrNilURL, got %v", err)
	}
}

func TestNewHTTPFetcherRejectsBadProxy(t *testing.T) {
	if _, err := NewHTTPFetcher(Options{ProxyURL: "://bad"}); err == nil {
		t.Fatal("expected proxy parse error")
	}
}

type stubFetcher struct {
	calls  int
	render bool
}

func (s *stubFetcher) Fetch(_ context.Context, req types.ProbeRequest) (*types.Page, error) {
	s.calls++
	s.render = req.Render
	return &types.Page{URL: req.URL, FinalURL: req.URL, StatusCode: http.StatusOK}, nil
}

type stubRenderer struct {
	err    error
	status int
	calls  int
}

func (s *stubRenderer) Render(_ context.Context, req types.ProbeRequest) (*types.Page, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return renderedPage(req, status, "<html><body>rendered</body></html>", "", 0), nil
}

func TestCompositePrefersRenderer(t *testing.T) {
	httpStub := &stubFetcher{}
	renderer := &stubRenderer{}
	c := NewComposite(httpStub, renderer, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := probe(t, "https://shop.test/surl/p/1")
	req.Render = true
	page, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !page.Rendered || renderer.calls != 1 || httpStub.calls != 0 {
		t.Fatalf("expected rendered page, renderer=%d http=%d", renderer.calls, httpStub.calls)
	}
}

func TestCompositeFallsBackToHTTP(t *testing.T) {
	httpStub := &stubFetcher{}
	renderer := &stubRenderer{err: errors.New("chrome missing")}
	c := NewComposite(httpStub, renderer, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := probe(t, "https://shop.test/surl/p/1")
	req.Render = true
	page, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.Rendered || httpStub.calls != 1 {
		t.Fatalf("expected http fallback, calls=%d", httpStub.calls)
	}
	if httpStub.render {
		t.Fatal("fallback request should clear the render flag")
	}
}

func TestCompositeKeepsRenderedStatus(t *testing.T) {
	httpStub := &stubFetcher{}
	renderer := &stubRenderer{status: http.StatusNotFound}
	c := NewComposite(httpStub, renderer, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := probe(t, "https://shop.test/surl/p/404")
	req.Render = true
	page, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.StatusCode != http.StatusNotFound || !page.Rendered {
		t.Fatalf("expected rendered 404, got status=%d rendered=%v", page.StatusCode, page.Rendered)
	}
	if httpStub.calls != 0 {
		t.Fatalf("a rendered error page is a result, not a renderer failure")
	}
}

func TestRenderedPageUsesLandingLocation(t *testing.T) {
	req := probe(t, "https://shop.test/surl/p/7")
	page := renderedPage(req, http.StatusGone, "<html></html>", "https://shop.test/", 0)
	if page.StatusCode != http.StatusGone {
		t.Fatalf("expected status %d, got %d", http.StatusGone, page.StatusCode)
	}
	if page.FinalURL.String() != "https://shop.test/" || page.URL.String() != "https://shop.test/surl/p/7" {
		t.Fatalf("unexpected urls %s -> %s", page.URL, page.FinalURL)
	}

	page = renderedPage(req, http.StatusOK, "<html></html>", "", 0)
	if page.FinalURL != req.URL {
		t.Fatal("empty location should keep the request url")
	}
}
