// Package platform recognises storefront product-page URL shapes and maps them
// onto the single URL template that is cheap to brute-force for each platform.
package platform

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedPattern is returned when an input URL matches no known storefront shape.
	ErrUnsupportedPattern = errors.New("unsupported product url pattern")
	// ErrIdentifierNotFound is returned when no integer product id can be read from the input URL.
	ErrIdentifierNotFound = errors.New("product identifier not found")
)

// Platform names the storefront software family.
type Platform string

const (
	Unknown Platform = ""
	Cafe24  Platform = "cafe24"
	Imweb   Platform = "imweb"
)

func (p Platform) String() string {
	if p == Unknown {
		return "unknown"
	}
	return string(p)
}

// Placeholder marks the identifier substitution point inside a Template.
const Placeholder = "{id}"

// Template is an absolute URL containing exactly one Placeholder.
type Template string

// Expand substitutes id into the template.
func (t Template) Expand(id int64) string {
	return strings.Replace(string(t), Placeholder, strconv.FormatInt(id, 10), 1)
}

// Host returns the host portion of the template URL.
func (t Template) Host() string {
	u, err := url.Parse(t.Expand(0))
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Domain returns the store key for the template host.
func (t Template) Domain() string {
	return DomainKey(t.Host())
}

func (t Template) String() string { return string(t) }

// Resolution is the outcome of resolving an input URL.
type Resolution struct {
	Platform Platform
	Template Template
	Domain   string
}

var (
	cafe24ShortPath  = regexp.MustCompile(`/surl/p/(\d+)`)
	cafe24DetailPath = regexp.MustCompile(`/product/.+/(\d+)/category/`)
	cafe24ProductNo  = regexp.MustCompile(`(?i)(?:^|&)product_no=(\d+)(?:&|$)`)
	imwebIdx         = regexp.MustCompile(`(?i)(?:^|&)idx=(\d+)(?:&|$)`)
)

// shape is one detection rule. Rules are evaluated in order and the first match wins.
type shape struct {
	platform Platform
	// match returns the raw identifier digits when the rule applies.
	match    func(path, query string) (string, bool)
	template func(base string) Template
}

var shapes = []shape{
	{
		platform: Cafe24,
		match: func(path, _ string) (string, bool) {
			if !strings.Contains(path, "/surl/p/") {
				return "", false
			}
			return submatch(cafe24ShortPath, path)
		},
		template: cafe24Template,
	},
	{
		// Detection only: scanning always uses the short-path shape.
		platform: Cafe24,
		match: func(path, _ string) (string, bool) {
			if !strings.HasPrefix(path, "/product/") {
				return "", false
			}
			return submatch(cafe24DetailPath, path)
		},
		template: cafe24Template,
	},
	{
		platform: Cafe24,
		match: func(path, query string) (string, bool) {
			if !strings.EqualFold(strings.TrimSuffix(path, "/"), "/product/detail.html") {
				return "", false
			}
			return submatch(cafe24ProductNo, query)
		},
		template: cafe24Template,
	},
	{
		platform: Imweb,
		match: func(path, query string) (string, bool) {
			if !strings.HasSuffix(strings.ToLower(strings.TrimRight(path, "/")), "/product") {
				return "", false
			}
			return submatch(imwebIdx, query)
		},
		template: func(base string) Template {
			return Template(base + "/Product/?idx=" + Placeholder)
		},
	},
}

func cafe24Template(base string) Template {
	return Template(base + "/surl/p/" + Placeholder)
}

func submatch(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Resolve maps an arbitrary product-page URL to its platform and canonical scan template.
// It performs no network I/O.
func Resolve(raw string) (Resolution, error) {
	in, err := parseInput(raw)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnsupportedPattern, raw)
	}
	for _, s := range shapes {
		if _, ok := s.match(in.path, in.query); ok {
			tmpl := s.template(in.base)
			return Resolution{Platform: s.platform, Template: tmpl, Domain: DomainKey(in.host)}, nil
		}
	}
	return Resolution{Platform: Unknown}, fmt.Errorf("%w: %s", ErrUnsupportedPattern, raw)
}

// ExtractID returns the product id embedded in the input URL, whichever shape it uses.
func ExtractID(raw string) (int64, error) {
	in, err := parseInput(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIdentifierNotFound, raw)
	}
	for _, s := range shapes {
		digits, ok := s.match(in.path, in.query)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrIdentifierNotFound, raw, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrIdentifierNotFound, raw)
}

type input struct {
	base  string
	host  string
	path  string
	query string
}

var schemeRe = regexp.MustCompile(`(?i)^https?://`)

// EnsureScheme prefixes https:// when the URL carries no http(s) scheme.
func EnsureScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	if !schemeRe.MatchString(raw) {
		return "https://" + raw
	}
	return raw
}

func parseInput(raw string) (input, error) {
	u, err := url.Parse(EnsureScheme(raw))
	if err != nil {
		return input{}, err
	}
	if u.Host == "" {
		return input{}, errors.New("missing host")
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	return input{
		base:  scheme + "://" + host,
		host:  strings.ToLower(u.Hostname()),
		path:  u.Path,
		query: u.RawQuery,
	}, nil
}

// DomainKey strips a leading "www." from host and lower-cases it.
func DomainKey(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}

// IdentifierFromCanonical recovers the product id of a stored canonical URL. Known id shapes
// are tried first, then the trailing numeric path segment.
func IdentifierFromCanonical(canonical string) (int64, bool) {
	if id, err := ExtractID(canonical); err == nil {
		return id, true
	}
	u, err := url.Parse(EnsureScheme(canonical))
	if err != nil {
		return 0, false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	if last == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(last, 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
