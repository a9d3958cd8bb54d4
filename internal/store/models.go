package store

import "time"

// RegistryEntry is one (fingerprint, path) observation. The first path
// registered for a fingerprint is primary; later paths are duplicates.
type RegistryEntry struct {
	Fingerprint  string
	Path         string
	IsPrimary    bool
	SizeBytes    int64
	Ext          string
	RegisteredAt time.Time
}

// FactRecord is one structured fact extracted from a file.
type FactRecord struct {
	Fingerprint     string
	Filename        string
	EvidenceQuote   string
	AssociatedDate  string
	FactSummary     string
	Category        string
	IdentifiedCrime string
	SeverityScore   int
	Timestamp       time.Time
}

// PlaceholderCategory marks a fingerprint as processed without facts.
const PlaceholderCategory = "Placeholder"

// Placeholder returns the sentinel record written when a file produced no
// parseable facts, so it is not offered again by DiffUnprocessed.
func Placeholder(fingerprint, filename string, at time.Time) FactRecord {
	return FactRecord{
		Fingerprint:     fingerprint,
		Filename:        filename,
		AssociatedDate:  "Unknown",
		Category:        PlaceholderCategory,
		IdentifiedCrime: "None",
		SeverityScore:   0,
		Timestamp:       at,
	}
}

// IsPlaceholder reports whether f is a placeholder record.
func (f FactRecord) IsPlaceholder() bool {
	return f.Category == PlaceholderCategory && f.EvidenceQuote == "" && f.FactSummary == ""
}

// Pending is a registered primary file with no intelligence rows yet.
type Pending struct {
	RowID       int64
	Fingerprint string
	Path        string
	SizeBytes   int64
	Ext         string
}

// DiffQuery selects the next page of unprocessed files.
type DiffQuery struct {
	// AfterRowID is the keyset cursor; only rows with a larger rowid are returned.
	AfterRowID int64
	Limit      int
	// Extensions restricts results to these lowercase extensions (with dot).
	// Empty means any extension.
	Extensions []string
	// MinExtensionlessBytes admits files without an extension when at least
	// this large. Negative excludes extensionless files.
	MinExtensionlessBytes int64
}

// Stats summarizes store contents.
type Stats struct {
	RegistryRows       int64
	UniqueFingerprints int64
	DuplicatePaths     int64
	FactRows           int64
	Placeholders       int64
	ProcessedFiles     int64
}
