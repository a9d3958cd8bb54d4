// Package hostprobe answers the two host questions the pipeline asks:
// how much memory is resident right now, and whether a database file sits on
// a network share (which rules out write-ahead logging).
package hostprobe
