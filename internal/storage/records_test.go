package storage

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"catalogscan/pkg/types"
)

func TestRecordsRoundTrip(t *testing.T) {
	products := []types.Product{
		{Name: "Widget 9000", URL: "https://shop.test/product/widget/12/category/1/display/1/"},
		{Name: "  Spaced\n  name ", URL: "https://shop.test/Product/?idx=7"},
		{Name: "(name extraction failed)", URL: "https://shop.test/surl/p/3"},
	}
	var buf bytes.Buffer
	if err := WriteRecords(&buf, products); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "1. Widget 9000\n   https://shop.test/product/widget/12/category/1/display/1/\n\n2. ") {
		t.Fatalf("unexpected layout:\n%s", buf.String())
	}

	got, err := ReadRecords(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(products) {
		t.Fatalf("expected %d records, got %d", len(products), len(got))
	}
	if got[1].Name != "Spaced name" {
		t.Fatalf("expected collapsed name, got %q", got[1].Name)
	}
	for i := range products {
		if got[i].URL != products[i].URL {
			t.Fatalf("record %d url mismatch: %q", i, got[i].URL)
		}
	}
}

func TestReadRecordsTolerantLayout(t *testing.T) {
	input := "\ufeff\n\n  1. First\nhttps://shop.test/a/1\n2. Second\n\thttps://shop.test/a/2   \n\n\n\n10.\nhttps://shop.test/a/10\n"
	got, err := ReadRecords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %+v", got)
	}
	if got[1].URL != "https://shop.test/a/2" || got[2].Name != "" {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestReadRecordsRejectsMalformedInput(t *testing.T) {
	cases := map[string]struct {
		input string
		line  int
	}{
		"missing ordinal":    {"First\nhttps://shop.test/a\n", 1},
		"blank before url":   {"1. First\n\nhttps://shop.test/a\n", 2},
		"url not absolute":   {"1. First\n/a/1\n", 2},
		"truncated record":   {"1. First\nhttps://shop.test/a\n\n2. Second\n", 4},
		"two names in a row": {"1. First\n2. Second\n", 2},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadRecords(strings.NewReader(tc.input))
			if !errors.Is(err, ErrMalformedRecord) {
				t.Fatalf("expected ErrMalformedRecord, got %v", err)
			}
			var perr *ParseError
			if !errors.As(err, &perr) || perr.Line != tc.line {
				t.Fatalf("expected parse error on line %d, got %v", tc.line, err)
			}
		})
	}
}

func TestMaxIdentifier(t *testing.T) {
	products := []types.Product{
		{URL: "https://shop.test/product/a/12/category/1/display/1/"},
		{URL: "https://shop.test/Product/?idx=40"},
		{URL: "https://shop.test/goods/view/33/"},
		{URL: "https://shop.test/about"},
	}
	if got := MaxIdentifier(products); got != 40 {
		t.Fatalf("expected 40, got %d", got)
	}
	if got := MaxIdentifier(nil); got != 0 {
		t.Fatalf("expected 0 for empty list, got %d", got)
	}
}
