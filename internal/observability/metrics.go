package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "steinline"

// Metrics holds the pipeline counters. All methods are safe on a nil
// receiver so stages can run without metrics wired.
type Metrics struct {
	registry *prometheus.Registry

	filesHashed        prometheus.Counter
	hashFailures       prometheus.Counter
	entriesRegistered  prometheus.Counter
	admissionThrottles prometheus.Counter
	filesProcessed     prometheus.Counter
	extractFailures    prometheus.Counter
	factsPersisted     prometheus.Counter
	placeholders       prometheus.Counter
	chunkShrinks       prometheus.Counter
	abandonedBatches   prometheus.Counter
	chunkSize          prometheus.Gauge
	inferenceSeconds   prometheus.Histogram
}

// NewMetrics registers the pipeline collectors on a fresh registry so
// repeated construction in tests never conflicts.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	counter := func(subsystem, name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		registry:           reg,
		filesHashed:        counter("scanner", "files_hashed_total", "Files fingerprinted by the scanner."),
		hashFailures:       counter("scanner", "hash_failures_total", "Files that could not be read for hashing."),
		entriesRegistered:  counter("scanner", "entries_registered_total", "New registry rows committed."),
		admissionThrottles: counter("scanner", "admission_throttles_total", "Times retirement paused for the memory ceiling."),
		filesProcessed:     counter("reasoner", "files_processed_total", "Files that reached inference."),
		extractFailures:    counter("reasoner", "extract_failures_total", "Files dropped because extraction failed or was empty."),
		factsPersisted:     counter("reasoner", "facts_persisted_total", "Fact rows written to the intelligence store."),
		placeholders:       counter("reasoner", "placeholders_total", "Placeholder rows written for files without facts."),
		chunkShrinks:       counter("reasoner", "chunk_shrinks_total", "Times the inference sub-batch size was halved."),
		abandonedBatches:   counter("reasoner", "abandoned_subbatches_total", "Sub-batches skipped after inference failures."),
	}
	m.chunkSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reasoner",
		Name:      "chunk_size",
		Help:      "Current inference sub-batch size.",
	})
	m.inferenceSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reasoner",
		Name:      "inference_seconds",
		Help:      "Wall time of successful inference sub-batch calls.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	reg.MustRegister(m.chunkSize, m.inferenceSeconds)
	return m
}

// Registry exposes the underlying registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FileHashed() {
	if m != nil {
		m.filesHashed.Inc()
	}
}

func (m *Metrics) HashFailed() {
	if m != nil {
		m.hashFailures.Inc()
	}
}

func (m *Metrics) Registered(n int) {
	if m != nil && n > 0 {
		m.entriesRegistered.Add(float64(n))
	}
}

func (m *Metrics) AdmissionThrottled() {
	if m != nil {
		m.admissionThrottles.Inc()
	}
}

func (m *Metrics) FilesProcessed(n int) {
	if m != nil && n > 0 {
		m.filesProcessed.Add(float64(n))
	}
}

func (m *Metrics) ExtractFailed() {
	if m != nil {
		m.extractFailures.Inc()
	}
}

func (m *Metrics) FactsPersisted(n int) {
	if m != nil && n > 0 {
		m.factsPersisted.Add(float64(n))
	}
}

func (m *Metrics) PlaceholdersWritten(n int) {
	if m != nil && n > 0 {
		m.placeholders.Add(float64(n))
	}
}

// ChunkShrunk records a halving and the resulting size.
func (m *Metrics) ChunkShrunk(size int) {
	if m != nil {
		m.chunkShrinks.Inc()
		m.chunkSize.Set(float64(size))
	}
}

func (m *Metrics) SetChunkSize(size int) {
	if m != nil {
		m.chunkSize.Set(float64(size))
	}
}

func (m *Metrics) SubBatchAbandoned() {
	if m != nil {
		m.abandonedBatches.Inc()
	}
}

func (m *Metrics) ObserveInference(seconds float64) {
	if m != nil {
		m.inferenceSeconds.Observe(seconds)
	}
}
