package reasoner

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseFactsToleratesGarbage(t *testing.T) {
	raw := `{"source":"A"} garbage {"source":"B",} {malformed`
	got := ParseFacts(raw)
	want := []Fact{
		{Source: "A", Date: "Unknown", Type: "General", Crime: "None", Severity: 1},
		{Source: "B", Date: "Unknown", Type: "General", Crime: "None", Severity: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("facts mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFactsFields(t *testing.T) {
	raw := `{"findings": [{"Source": "ledger p.4", "date": "1999-02-03", "summary": "wire
transfer", "type": "Finance", "crime": "Fraud", "severity": "8/10"}, {"source": "memo", "severity": 7.5, "date": null}]}`
	got := ParseFacts(raw)
	want := []Fact{
		{Source: "ledger p.4", Date: "1999-02-03", Summary: "wire transfer", Type: "Finance", Crime: "Fraud", Severity: 8},
		{Source: "memo", Date: "Unknown", Type: "General", Crime: "None", Severity: 7},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("facts mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFactsSeverity(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{`{"severity": 4}`, 4},
		{`{"severity": "level 3 of 5"}`, 3},
		{`{"severity": "high"}`, 1},
		{`{"severity": ""}`, 1},
		{`{"source": "x"}`, 1},
		{`{"severity": true}`, 1},
	}
	for _, tt := range tests {
		facts := ParseFacts(tt.raw)
		if len(facts) != 1 {
			t.Fatalf("%s: expected one fact, got %d", tt.raw, len(facts))
		}
		if facts[0].Severity != tt.want {
			t.Fatalf("%s: severity = %d, want %d", tt.raw, facts[0].Severity, tt.want)
		}
	}
}

func TestParseFactsOpaqueValues(t *testing.T) {
	facts := ParseFacts(`{"source": ["a", "b"], "type": 12, "crime": false}`)
	if len(facts) != 1 {
		t.Fatalf("expected one fact, got %d", len(facts))
	}
	f := facts[0]
	if f.Source != `["a","b"]` || f.Type != "12" || f.Crime != "false" {
		t.Fatalf("unexpected stringification %+v", f)
	}
}

func TestParseFactsNoObjects(t *testing.T) {
	if got := ParseFacts("I found nothing relevant."); len(got) != 0 {
		t.Fatalf("expected no facts, got %+v", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("memo.pdf", "page text")
	want := "<|im_start|>system\nExtract JSON: source, date, summary, type, crime, severity.<|im_end|>\n" +
		"<|im_start|>user\nFILE: memo.pdf\nDATA: page text<|im_end|>\n" +
		"<|im_start|>assistant\n{\"findings\": ["
	if got != want {
		t.Fatalf("prompt mismatch:\n%q\nwant\n%q", got, want)
	}
	if !strings.HasSuffix(got, promptPrimer) {
		t.Fatal("prompt must end with the findings primer")
	}
}
