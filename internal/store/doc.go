// Package store persists the content registry and extracted intelligence in
// SQLite.
//
// The registry maps content fingerprints to every path they were seen at and
// marks the first path as primary. The intelligence table holds the facts
// distilled from each fingerprint, plus placeholder rows for content that
// produced none. The backlog offers each fingerprint through its first
// eligible path, so a supported duplicate stands in for an unsupported
// primary. The two tables may live in separate database files; the
// intelligence file is attached to the registry connection so the
// unprocessed set can be computed with a single anti-join.
//
// Every write runs in its own transaction and is retried with backoff while
// SQLite reports the database as busy. Journal mode is chosen per file: WAL
// on local disks, DELETE on network shares. Schema changes bump the version
// constants in schema.go; users delete the affected database to adopt them.
package store
