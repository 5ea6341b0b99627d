package types

import (
	"net/http"
	"net/url"
	"time"
)

// ProbeRequest models a single identifier probe submitted to the fetcher.
type ProbeRequest struct {
	URL    *url.URL
	ID     int64
	Render bool
}

// Page represents the fetched content after redirects were followed.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
}

// Product is a discovered product page keyed by its canonical (post-redirect) URL.
type Product struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}
