package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"catalogscan/pkg/types"
)

// ErrMalformedRecord is wrapped by ParseError.
var ErrMalformedRecord = errors.New("malformed discovery record")

// ParseError locates a malformed line in a discovery file.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: line %d: %s: %q", ErrMalformedRecord, e.Line, e.Reason, e.Text)
}

func (e *ParseError) Unwrap() error { return ErrMalformedRecord }

var headerRe = regexp.MustCompile(`^\s*(\d+)\.(?:[ \t]+(.*))?$`)

const maxRecordLine = 1 << 20

// ReadRecords parses the line-oriented discovery format: a "N. name" line
// immediately followed by a URL line, with optional blank lines between records.
func ReadRecords(r io.Reader) ([]types.Product, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLine)

	var (
		products []types.Product
		pending  *types.Product
		lineNo   int
	)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}

		if pending != nil {
			raw := strings.TrimSpace(line)
			if !isRecordURL(raw) {
				return nil, &ParseError{Line: lineNo, Text: line, Reason: "expected URL line"}
			}
			pending.URL = raw
			products = append(products, *pending)
			pending = nil
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		m := headerRe.FindStringSubmatch(line)
		if m == nil {
			return nil, &ParseError{Line: lineNo, Text: line, Reason: "expected numbered name line"}
		}
		pending = &types.Product{Name: strings.TrimSpace(m[2])}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	if pending != nil {
		return nil, &ParseError{Line: lineNo, Reason: "record missing URL line"}
	}
	return products, nil
}

// WriteRecords serialises products in order, numbering them from 1.
func WriteRecords(w io.Writer, products []types.Product) error {
	bw := bufio.NewWriter(w)
	for i, p := range products {
		name := strings.Join(strings.Fields(p.Name), " ")
		if _, err := fmt.Fprintf(bw, "%d. %s\n   %s\n\n", i+1, name, strings.TrimSpace(p.URL)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func isRecordURL(raw string) bool {
	if raw == "" || strings.ContainsAny(raw, " \t") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}
