package main

import (
	"bytes"
	"strings"
	"testing"

	"catalogscan/internal/orchestrator"
	"catalogscan/internal/scanner"
	"catalogscan/pkg/types"
)

func TestPrintReportFreshListsRediscoveredProducts(t *testing.T) {
	stored := []types.Product{
		{Name: "Desk Lamp", URL: "https://shop.test/surl/p/1"},
		{Name: "Oak Shelf", URL: "https://shop.test/surl/p/2"},
	}
	report := &orchestrator.Report{
		Mode: orchestrator.ModeFresh,
		Passes: []scanner.PassResult{
			{Pass: 1, Start: 1, LastID: 102, Attempts: 102, Stop: scanner.StopMissThreshold, Products: stored},
		},
		Products:  stored,
		Persisted: true,
	}

	var out bytes.Buffer
	printReport(&out, report)
	text := out.String()
	if strings.Contains(text, "no product pages found") {
		t.Fatalf("a fresh scan that found the stored catalog must list it:\n%s", text)
	}
	for _, p := range stored {
		if !strings.Contains(text, p.Name) || !strings.Contains(text, p.URL) {
			t.Fatalf("missing %s in:\n%s", p.Name, text)
		}
	}
	if !strings.Contains(text, "found: 2, new: 0, stored: 2") {
		t.Fatalf("unexpected totals:\n%s", text)
	}
}

func TestPrintReportResumeListsOnlyNewProducts(t *testing.T) {
	added := types.Product{Name: "Walnut Tray", URL: "https://shop.test/surl/p/3"}
	report := &orchestrator.Report{
		Mode: orchestrator.ModeResume,
		Passes: []scanner.PassResult{
			{Pass: 1, Start: 3, LastID: 103, Attempts: 101, Stop: scanner.StopMissThreshold, Products: []types.Product{added}},
		},
		New: []types.Product{added},
		Products: []types.Product{
			{Name: "Desk Lamp", URL: "https://shop.test/surl/p/1"},
			added,
		},
	}

	var out bytes.Buffer
	printReport(&out, report)
	text := out.String()
	if strings.Contains(text, "Desk Lamp") || !strings.Contains(text, "Walnut Tray") {
		t.Fatalf("resume should list only new products:\n%s", text)
	}
	if !strings.Contains(text, "(not saved)") {
		t.Fatalf("unsaved report should say so:\n%s", text)
	}
}
