// Package telemetry carries pipeline progress from the scanner and reasoner
// to any number of observers.
//
// Producers publish Events through Hub.Emit, which stamps a monotonically
// increasing sequence number and never blocks. Observers either poll with
// Fetch (optionally long-polling on a cursor) or receive a lossy channel via
// Subscribe. Sinks registered with AddSink see every event synchronously and
// are isolated from the producer by panic recovery.
package telemetry
