package scanner

import (
	"net/url"
	"strings"
	"sync"

	"catalogscan/pkg/types"
)

// Accumulator is the ordered product list of a session plus the canonical-URL
// set used to dedup it. It survives across passes so a supplementary pass does
// not record a product twice.
type Accumulator struct {
	mu       sync.RWMutex
	seen     map[string]struct{}
	products []types.Product
}

// NewAccumulator returns an accumulator whose seen set is seeded with the
// canonical URLs of already known products. Seeded products are not part of
// Products; only new discoveries are.
func NewAccumulator(known []types.Product) *Accumulator {
	acc := &Accumulator{seen: make(map[string]struct{}, len(known))}
	for _, p := range known {
		acc.seen[CanonicalKey(p.URL)] = struct{}{}
	}
	return acc
}

// Add appends p unless its canonical URL was already seen. It reports whether p was new.
func (a *Accumulator) Add(p types.Product) bool {
	key := CanonicalKey(p.URL)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = struct{}{}
	a.products = append(a.products, p)
	return true
}

// Seen reports whether the canonical URL is already known.
func (a *Accumulator) Seen(rawURL string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.seen[CanonicalKey(rawURL)]
	return ok
}

// Len returns the number of new products recorded.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.products)
}

// SeenLen returns the size of the dedup set, including seeded URLs.
func (a *Accumulator) SeenLen() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.seen)
}

// Products returns a copy of the new products in discovery order.
func (a *Accumulator) Products() []types.Product {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.Product, len(a.products))
	copy(out, a.products)
	return out
}

// CanonicalKey normalises a canonical product URL for dedup: scheme and host are
// lower-cased, default ports and fragments are dropped, path and query are kept.
func CanonicalKey(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPortForScheme(scheme) {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + host + path
	if q := u.RawQuery; q != "" {
		key += "?" + q
	}
	return key
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
