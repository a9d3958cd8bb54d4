package reasoner

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"steinline/internal/store"
)

// Fact is one finding decoded from model output, with defaults applied.
type Fact struct {
	Source   string
	Date     string
	Summary  string
	Type     string
	Crime    string
	Severity int
}

const (
	defaultSource   = "N/A"
	defaultDate     = "Unknown"
	defaultType     = "General"
	defaultCrime    = "None"
	defaultSeverity = 1
)

var (
	objectPattern   = regexp.MustCompile(`\{[^{}]*\}`)
	trailingCommas  = regexp.MustCompile(`,\s*([}\]])`)
	firstDigitRun   = regexp.MustCompile(`\d+`)
	lineTerminators = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")
)

// ParseFacts pulls every innermost brace-delimited object out of raw and
// decodes each independently. Objects that fail to decode are skipped; the
// rest are kept.
func ParseFacts(raw string) []Fact {
	matches := objectPattern.FindAllString(raw, -1)
	if len(matches) == 0 {
		return nil
	}
	facts := make([]Fact, 0, len(matches))
	for _, m := range matches {
		fields, ok := decodeObject(m)
		if !ok {
			continue
		}
		facts = append(facts, factFromFields(fields))
	}
	return facts
}

func decodeObject(text string) (map[string]any, bool) {
	text = lineTerminators.Replace(text)
	if fields, err := decodeStrict(text); err == nil {
		return fields, true
	}
	fields, err := decodeStrict(trailingCommas.ReplaceAllString(text, "$1"))
	if err != nil {
		return nil, false
	}
	return fields, true
}

func decodeStrict(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func factFromFields(fields map[string]any) Fact {
	normalized := make(map[string]any, len(fields))
	for k, v := range fields {
		normalized[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return Fact{
		Source:   stringField(normalized, "source", defaultSource),
		Date:     stringField(normalized, "date", defaultDate),
		Summary:  stringField(normalized, "summary", ""),
		Type:     stringField(normalized, "type", defaultType),
		Crime:    stringField(normalized, "crime", defaultCrime),
		Severity: severityField(normalized),
	}
}

func stringField(fields map[string]any, key, fallback string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return fallback
	}
	return stringify(v)
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(val); err != nil {
			return ""
		}
		return strings.TrimSpace(buf.String())
	}
}

// severityField reads the first run of digits in the severity value.
func severityField(fields map[string]any) int {
	v, ok := fields["severity"]
	if !ok || v == nil {
		return defaultSeverity
	}
	digits := firstDigitRun.FindString(stringify(v))
	if digits == "" {
		return defaultSeverity
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return defaultSeverity
	}
	return n
}

// Record converts a fact into its intelligence row.
func (f Fact) Record(fingerprint, filename string, at time.Time) store.FactRecord {
	return store.FactRecord{
		Fingerprint:     fingerprint,
		Filename:        filename,
		EvidenceQuote:   f.Source,
		AssociatedDate:  f.Date,
		FactSummary:     f.Summary,
		Category:        f.Type,
		IdentifiedCrime: f.Crime,
		SeverityScore:   f.Severity,
		Timestamp:       at,
	}
}
