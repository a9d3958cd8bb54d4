package telemetry

import "time"

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindStatus   Kind = "status"
	KindProgress Kind = "progress"
	KindFacts    Kind = "facts"
	KindDone     Kind = "done"
	KindError    Kind = "error"
)

// FactSample is the subset of a fact record surfaced to observers.
type FactSample struct {
	Fingerprint string `json:"fingerprint"`
	Filename    string `json:"filename"`
	Quote       string `json:"quote,omitempty"`
	Date        string `json:"date,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Category    string `json:"category,omitempty"`
	Crime       string `json:"crime,omitempty"`
	Severity    int    `json:"severity"`
}

// Event is one pipeline notification. Which fields are meaningful depends on
// Kind: Status and Error carry Message, Progress carries Processed and Total
// (Total is zero while unknown), Facts carries Facts, Done carries the final
// counters.
type Event struct {
	Sequence  uint64       `json:"seq"`
	Timestamp time.Time    `json:"ts"`
	Kind      Kind         `json:"kind"`
	Stage     string       `json:"stage,omitempty"`
	Message   string       `json:"msg,omitempty"`
	Processed int64        `json:"processed,omitempty"`
	Total     int64        `json:"total,omitempty"`
	Facts     []FactSample `json:"facts,omitempty"`
}

// Percent returns completion for Progress events, or -1 when the total is unknown.
func (e Event) Percent() float64 {
	if e.Total <= 0 {
		return -1
	}
	p := float64(e.Processed) * 100 / float64(e.Total)
	if p > 100 {
		return 100
	}
	return p
}

// Status builds a Status event.
func Status(stage, message string) Event {
	return Event{Kind: KindStatus, Stage: stage, Message: message}
}

// Progress builds a Progress event.
func Progress(stage string, processed, total int64) Event {
	return Event{Kind: KindProgress, Stage: stage, Processed: processed, Total: total}
}

// Facts builds a Facts event.
func Facts(stage string, facts []FactSample) Event {
	return Event{Kind: KindFacts, Stage: stage, Facts: facts}
}

// Done builds a terminal Done event.
func Done(stage, message string, processed, total int64) Event {
	return Event{Kind: KindDone, Stage: stage, Message: message, Processed: processed, Total: total}
}

// Error builds a terminal Error event.
func Error(stage string, err error) Event {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Event{Kind: KindError, Stage: stage, Message: msg}
}
