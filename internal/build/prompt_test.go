package build

import (
	"context"
	"testing"
	"time"

	"modos/internal/codes"
	"modos/internal/schema"
)

func testSchema(t *testing.T) schema.View {
	t.Helper()
	s, err := schema.Load("")
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	return s
}

func TestTerminalPrompterEnumChoosesValue(t *testing.T) {
	var offered []string
	p := &TerminalPrompter{
		Schema: testSchema(t),
		Ask:    func(string) string { t.Fatalf("free-text prompt for an enum slot"); return "" },
		Choose: func(_ string, options []string) int {
			offered = options
			for i, o := range options {
				if o == "CRAM" {
					return i
				}
			}
			return -1
		},
	}
	v, err := p.PromptSlot(context.Background(), "DataEntity", "data_format")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if v != "CRAM" || len(offered) == 0 {
		t.Fatalf("unexpected choice %q from %v", v, offered)
	}
}

func TestTerminalPrompterDatetimeDefaultsToToday(t *testing.T) {
	p := &TerminalPrompter{
		Schema: testSchema(t),
		Ask:    func(string) string { return "" },
		Now:    func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
	}
	v, err := p.PromptSlot(context.Background(), "MODO", "creation_date")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if v != "2024-05-01" {
		t.Fatalf("expected today's date, got %q", v)
	}
}

func TestTerminalPrompterFreeText(t *testing.T) {
	var question string
	p := &TerminalPrompter{
		Schema: testSchema(t),
		Ask:    func(q string) string { question = q; return "patient 7" },
	}
	v, err := p.PromptSlot(context.Background(), "Sample", "name")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if v != "patient 7" || question != "Sample.name" {
		t.Fatalf("unexpected answer %q to %q", v, question)
	}
}

func TestTerminalPrompterUsesCodeMatcher(t *testing.T) {
	m, err := codes.NewLocalMatcher("cell_type", []codes.Code{
		{Label: "T cell", URI: "http://purl.obolibrary.org/obo/CL_0000084"},
		{Label: "B cell", URI: "http://purl.obolibrary.org/obo/CL_0000236"},
	}, 5)
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	var offered []string
	p := &TerminalPrompter{
		Schema:   testSchema(t),
		Matchers: map[string]codes.Matcher{"cell_type": m},
		Ask:      func(string) string { return "b cell" },
		Choose:   func(_ string, options []string) int { offered = options; return 0 },
	}
	v, err := p.PromptSlot(context.Background(), "Sample", "cell_type")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if v != "http://purl.obolibrary.org/obo/CL_0000236" {
		t.Fatalf("expected the B cell code, got %q (offered %v)", v, offered)
	}
}
