// Package oracle decides whether a fetched product URL resolved to a live product page.
package oracle

import (
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"catalogscan/internal/config"
)

// NameExtractionFailed is recorded as the display name when no title could be read.
const NameExtractionFailed = "(name extraction failed)"

const (
	defaultSampleChars  = 20000
	defaultMinBodyChars = 200
)

// Verdict is the binary existence decision.
type Verdict int

const (
	Missing Verdict = iota
	Exists
)

func (v Verdict) String() string {
	if v == Exists {
		return "exists"
	}
	return "missing"
}

// Reason explains which rule produced a verdict.
type Reason string

const (
	ReasonStatus        Reason = "status"
	ReasonHomeRedirect  Reason = "home_redirect"
	ReasonKeyword       Reason = "keyword"
	ReasonShortBody     Reason = "short_body"
	ReasonProductLoaded Reason = "product"
)

// Outcome is the result of one fetch attempt handed to the oracle.
type Outcome struct {
	StatusCode   int
	RequestedURL string
	FinalURL     string
	Body         string
}

// Classification carries the verdict and, for Exists, the best-effort display name.
type Classification struct {
	Verdict   Verdict
	Reason    Reason
	Keyword   string
	Name      string
	NameFound bool
}

// Oracle applies the ordered existence rules.
type Oracle struct {
	keywords     []string
	sampleChars  int
	minBodyChars int
}

// New builds an oracle from the scan configuration.
func New(cfg config.ScanConfig) *Oracle {
	keywords := cfg.NotFoundKeywords
	if len(keywords) == 0 {
		keywords = config.DefaultNotFoundKeywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			lowered = append(lowered, kw)
		}
	}
	return &Oracle{
		keywords:     lowered,
		sampleChars:  defaultSampleChars,
		minBodyChars: defaultMinBodyChars,
	}
}

// Default returns an oracle using the default keyword list.
func Default() *Oracle {
	return New(config.Default().Scan)
}

// Classify evaluates the rules in order, short-circuiting on the first Missing condition.
func (o *Oracle) Classify(out Outcome) Classification {
	if out.StatusCode != http.StatusOK {
		return Classification{Verdict: Missing, Reason: ReasonStatus}
	}

	// Storefronts commonly send unknown ids to the home page instead of a 404.
	if normalizeURL(out.RequestedURL) != normalizeURL(out.FinalURL) && isHomeLike(out.FinalURL) {
		return Classification{Verdict: Missing, Reason: ReasonHomeRedirect}
	}

	sample := strings.ToLower(truncateRunes(out.Body, o.sampleChars))
	for _, kw := range o.keywords {
		if strings.Contains(sample, kw) {
			return Classification{Verdict: Missing, Reason: ReasonKeyword, Keyword: kw}
		}
	}

	if utf8.RuneCountInString(strings.TrimSpace(sample)) < o.minBodyChars {
		return Classification{Verdict: Missing, Reason: ReasonShortBody}
	}

	name, ok := ExtractName(out.Body)
	if !ok {
		name = NameExtractionFailed
	}
	return Classification{Verdict: Exists, Reason: ReasonProductLoaded, Name: name, NameFound: ok}
}

// ExtractName reads the product name from og:title, twitter:title, then <title>.
func ExtractName(body string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", false
	}
	candidates := []func() string{
		func() string { return metaContent(doc, "meta[property='og:title']") },
		func() string { return metaContent(doc, "meta[name='twitter:title']") },
		func() string { return doc.Find("title").First().Text() },
	}
	for _, candidate := range candidates {
		if name := cleanText(candidate()); name != "" {
			return name, true
		}
	}
	return "", false
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return content
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// normalizeURL lower-cases scheme and host and drops trailing slash, query, and fragment.
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + strings.TrimRight(u.Path, "/")
}

var homePaths = map[string]struct{}{
	"":                 {},
	"/index":           {},
	"/index.html":      {},
	"/index.htm":       {},
	"/index.php":       {},
	"/index.jsp":       {},
	"/index.asp":       {},
	"/default.asp":     {},
	"/default.aspx":    {},
	"/main":            {},
	"/main/index.html": {},
	"/home":            {},
}

func isHomeLike(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	path := strings.ToLower(strings.TrimRight(u.Path, "/"))
	_, ok := homePaths[path]
	return ok
}
