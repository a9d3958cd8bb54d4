// Package observability owns the Prometheus counters recorded by the scanner
// and reasoner and the optional diagnostics HTTP server that exposes them.
package observability
