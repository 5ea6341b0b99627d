package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"catalogscan/internal/config"
	"catalogscan/internal/platform"
	"catalogscan/pkg/types"
)

const testTemplate = platform.Template("https://shop.test/Product/?idx={id}")

type fakeFetcher struct {
	calls   []int64
	respond func(ctx context.Context, id int64, u *url.URL) (*types.Page, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req types.ProbeRequest) (*types.Page, error) {
	f.calls = append(f.calls, req.ID)
	return f.respond(ctx, req.ID, req.URL)
}

func productPage(u *url.URL, finalRaw, title string) *types.Page {
	final := u
	if finalRaw != "" {
		final, _ = url.Parse(finalRaw)
	}
	body := "<html><head><title>" + title + "</title></head><body>" +
		strings.Repeat("A fine product description for testing purposes. ", 10) + "</body></html>"
	return &types.Page{URL: u, FinalURL: final, StatusCode: http.StatusOK, Body: []byte(body)}
}

func missingPage(u *url.URL) *types.Page {
	return &types.Page{URL: u, FinalURL: u, StatusCode: http.StatusNotFound}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Scan.Delay = config.Duration{}
	return cfg
}

func newTestEngine(f *fakeFetcher, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewEngine(testConfig(), f, opts...)
}

func TestRunPassAnomalyAtExactThreshold(t *testing.T) {
	f := &fakeFetcher{respond: func(_ context.Context, id int64, u *url.URL) (*types.Page, error) {
		return productPage(u, "", fmt.Sprintf("Item %d", id)), nil
	}}
	e := newTestEngine(f)

	res, err := e.RunPass(context.Background(), testTemplate, PassOptions{Start: 1})
	var anomaly *AnomalyError
	if !errors.As(err, &anomaly) {
		t.Fatalf("expected AnomalyError, got %v", err)
	}
	if !errors.Is(err, ErrAnomalyDetected) {
		t.Fatalf("anomaly error should unwrap to ErrAnomalyDetected")
	}
	if res.Attempts != 200 || len(f.calls) != 200 {
		t.Fatalf("expected anomaly at the 200th probe, attempts=%d calls=%d", res.Attempts, len(f.calls))
	}
	if anomaly.Hits != 200 || anomaly.RequestedURL != "https://shop.test/Product/?idx=200" {
		t.Fatalf("unexpected anomaly context %+v", anomaly)
	}
	if anomaly.FinalURL == "" {
		t.Fatal("anomaly should carry the final url")
	}
	if res.Stop != StopAnomaly {
		t.Fatalf("expected anomaly stop, got %s", res.Stop)
	}
}

func TestRunPassHitStreakResetByMiss(t *testing.T) {
	f := &fakeFetcher{respond: func(ctx context.Context, id int64, u *url.URL) (*types.Page, error) {
		switch {
		case id == 150:
			return missingPage(u), nil
		case id < 300:
			return productPage(u, "", fmt.Sprintf("Item %d", id)), nil
		default:
			return missingPage(u), nil
		}
	}}
	e := newTestEngine(f)

	res, err := e.RunPass(context.Background(), testTemplate, PassOptions{Start: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Products) != 298 {
		t.Fatalf("expected 298 products, got %d", len(res.Products))
	}
	if res.LastID != 399 {
		t.Fatalf("expected last id 399, got %d", res.LastID)
	}
}

func TestRunPassStopsAtMissThreshold(t *testing.T) {
	f := &fakeFetcher{respond: func(_ context.Context, _ int64, u *url.URL) (*types.Page, error) {
		return missingPage(u), nil
	}}
	e := newTestEngine(f)

	res, err := e.RunPass(context.Background(), testTemplate, PassOptions{Start: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 100 || res.LastID != 100 || res.RetryUsed {
		t.Fatalf("expected stop at 100 without retry, got %+v", res)
	}
	if res.Stop != StopMissThreshold {
		t.Fatalf("unexpected stop reason %s", res.Stop)
	}
	for i, id := range f.calls {
		if id != int64(i+1) {
			t.Fatalf("identifiers must be probed in order, call %d got id %d", i, id)
		}
	}
}

func TestRunPassExtraRetryWhenNothingFound(t *testing.T) {
	f := &fakeFetcher{respond: func(_ context.Context, _ int64, u *url.URL) (*types.Page, error) {
		return missingPage(u), nil
	}}
	e := newTestEngine(f)

	res, err := e.RunPass(context.Background(), testTemplate, PassOptions{Start: 1, AllowExtraRetry: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 200 || !res.RetryUsed || res.LastID != 200 {
		t.Fatalf("expected one full extra streak, got %+v", res)
	}
}

func TestRunPassNoRetryAfterProducts(t *testing.T) {
	f := &fakeFetcher{respond: func(_ context.Context, id int64, u *url.URL) (*types.Page, error) {
		if id == 3 {
			return productPage(u, "", "Only"), nil
		}
		return missingPage(u), nil
	}}
	e := newTestEngine(f)

	res, err := e.RunPass(context.Background(), testTemplate, PassOptions{Start: 1, AllowExtraRetry: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RetryUsed || res.LastID != 103 {
		t.Fatalf("retry must not be used once a product was found, got %+v", res)
	}
	if len(res.Products) != 1 || res.Products[0].Name != "Only" {
		t.Fatalf("unexpected products %+v", res.Products)
	}
}

func TestRunPassTransportErrorsCountAsMisses(t *testing.T) {
	f := &fakeFetcher{respond: func(context.Context, int64, *url.URL) (*types.Page, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	e := newTestEngine(f)

	res, err := e.RunPass(context.Background(), testTemplate, PassOptions{Start: 10})
	if err != nil {
		t.Fatalf("transport errors must not surface, got %v", err)
	}
	if res.Attempts != 100 || res.LastID != 109 {
		t.Fatalf("expected 100 attempts from 10, got %+v", res)
	}
}

func TestRunPassDedupsByCanonicalURL(t *testing.T) {
	shared := "https://shop.test/product/shared/1/category/1/"
	f := &fakeFetcher{respond: func(_ context.Context, id int64, u *url.URL) (*types.Page, error) {
		if id <= 3 {
			return productPage(u, shared, "Shared"), nil
		}
		if id == 4 {
			return productPage(u, "https://SHOP.test/product/known/4/category/1/", "Known"), nil
		}
		return missingPage(u), nil
	}}
	e := newTestEngine(f)
	acc := NewAccumulator([]types.Product{{Name: "Known", URL: "https://shop.test/product/known/4/category/1/"}})

	res, err := e.RunPass(context.Background(), testTemplate, PassOptions{Start: 1, Accumulator: acc})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Products) != 1 || res.Products[0].URL != shared {
		t.Fatalf("expected one deduplicated product, got %+v", res.Products)
	}
	if acc.SeenLen() != 2 {
		t.Fatalf("expected two canonical urls in the seen set, got %d", acc.SeenLen())
	}
}

func TestRunPassChainsAccumulatorAcrossPasses(t *testing.T) {
	f := &fakeFetcher{respond: func(_ context.Context, id int64, u *url.URL) (*types.Page, error) {
		if id == 5 || id == 120 {
			return productPage(u, "", fmt.Sprintf("Item %d", id)), nil
		}
		return missingPage(u), nil
	}}
	e := newTestEngine(f)
	acc := NewAccumulator(nil)

	first, err := e.RunPass(context.Background(), testTemplate, PassOptions{Pass: 1, Start: 1, Accumulator: acc})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := e.RunPass(context.Background(), testTemplate, PassOptions{Pass: 2, Start: 5, Accumulator: acc})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(first.Products) != 1 {
		t.Fatalf("first pass should find id 5 only, got %+v", first.Products)
	}
	if len(second.Products) != 1 || second.Products[0].Name != "Item 120" {
		t.Fatalf("second pass should only report id 120, got %+v", second.Products)
	}
	if acc.Len() != 2 {
		t.Fatalf("expected 2 products overall, got %d", acc.Len())
	}
}

func TestRunPassCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeFetcher{respond: func(ctx context.Context, id int64, u *url.URL) (*types.Page, error) {
		if id == 2 {
			return productPage(u, "", "Before cancel"), nil
		}
		if id == 5 {
			cancel()
			return nil, ctx.Err()
		}
		return missingPage(u), nil
	}}
	e := newTestEngine(f)

	res, err := e.RunPass(ctx, testTemplate, PassOptions{Start: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Stop != StopCanceled || res.LastID != 4 || res.Attempts != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Products) != 1 {
		t.Fatalf("products found before cancellation must be kept, got %+v", res.Products)
	}
}

func TestRunPassReportsProgress(t *testing.T) {
	f := &fakeFetcher{respond: func(_ context.Context, id int64, u *url.URL) (*types.Page, error) {
		if id == 1 {
			return productPage(u, "", "First"), nil
		}
		return missingPage(u), nil
	}}
	var events []ProgressEvent
	e := newTestEngine(f, WithSessionID("s-1"), WithProgressSink(ProgressFunc(func(evt ProgressEvent) {
		events = append(events, evt)
	})))

	if _, err := e.RunPass(context.Background(), testTemplate, PassOptions{Pass: 1, Start: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 101 {
		t.Fatalf("expected one event per probe, got %d", len(events))
	}
	first := events[0]
	if first.SessionID != "s-1" || first.Verdict != "exists" || !first.New || first.Name != "First" || first.Domain != "shop.test" {
		t.Fatalf("unexpected first event %+v", first)
	}
	last := events[len(events)-1]
	if last.Verdict != "missing" || last.Misses != 100 || last.Found != 1 {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestRunPassTreatsRenderedErrorPagesAsMissing(t *testing.T) {
	f := &fakeFetcher{respond: func(_ context.Context, id int64, u *url.URL) (*types.Page, error) {
		if id == 3 {
			page := productPage(u, "", "Walnut Tray")
			page.Rendered = true
			return page, nil
		}
		// A styled error template: long, no listed keyword, same URL.
		body := "<html><head><title>Oops, page gone</title></head><body>" +
			strings.Repeat("We looked everywhere for this one. ", 40) + "</body></html>"
		return &types.Page{URL: u, FinalURL: u, StatusCode: http.StatusNotFound, Body: []byte(body), Rendered: true}, nil
	}}
	e := newTestEngine(f)

	res, err := e.RunPass(context.Background(), testTemplate, PassOptions{Start: 1})
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if len(res.Products) != 1 || res.Products[0].Name != "Walnut Tray" {
		t.Fatalf("expected only the rendered product, got %+v", res.Products)
	}
	if res.Stop != StopMissThreshold {
		t.Fatalf("expected miss threshold stop, got %s", res.Stop)
	}
}
