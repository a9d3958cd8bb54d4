package reasoner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"steinline/internal/checkpoint"
	"steinline/internal/logging"
	"steinline/internal/services"
	"steinline/internal/services/inference"
	"steinline/internal/store"
	"steinline/internal/telemetry"
)

type document struct {
	fingerprint string
	filename    string
	text        string
}

// segment is one inference request tagged with its source file.
type segment struct {
	fingerprint string
	filename    string
	index       int
	prompt      string
}

// cycleLedger tracks per-file outcomes across the sub-batches of a cycle.
type cycleLedger struct {
	order       []string
	filenames   map[string]string
	remaining   map[string]int
	produced    map[string]int
	uncommitted map[string]bool
}

func newCycleLedger(n int) *cycleLedger {
	return &cycleLedger{
		order:       make([]string, 0, n),
		filenames:   make(map[string]string, n),
		remaining:   make(map[string]int, n),
		produced:    make(map[string]int, n),
		uncommitted: make(map[string]bool),
	}
}

// cycle runs one fetched batch through extraction, windowing, inference and
// persistence. Only fatal errors and cancellation are returned.
func (r *Reasoner) cycle(ctx context.Context, rn *run, batch []store.Pending) error {
	docs, err := r.extractBatch(ctx, rn, batch)
	if err != nil {
		return err
	}

	ledger := newCycleLedger(len(docs))
	segments := r.window(docs, ledger)
	releaseDocuments(docs)
	if len(segments) == 0 {
		return nil
	}
	r.status(fmt.Sprintf("Reasoning over %d segments from %d files", len(segments), len(ledger.order)))

	// Segments before isolateUntil are sent one at a time after a sub-batch
	// held a prompt too long for the context window.
	isolateUntil := 0
	for start := 0; start < len(segments); {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !r.gate.Running() {
			break
		}
		size := r.ChunkSize()
		if start < isolateUntil {
			size = 1
		}
		end := start + size
		if end > len(segments) {
			end = len(segments)
		}
		sub := segments[start:end]

		outputs, err := r.generate(ctx, rn, sub)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, services.ErrFatal):
				return err
			case errors.Is(err, services.ErrPromptTooLong) && len(sub) > 1:
				isolateUntil = end
				logging.Warn(rn.logger, "prompt exceeds context window", "prompt_too_long",
					"sub-batch retried one segment at a time",
					logging.Int("segments", len(sub)), logging.Error(err))
				continue
			case errors.Is(err, services.ErrResourceExhausted) && len(sub) > 1:
				r.shrink(rn, len(sub), err)
				continue
			case errors.Is(err, services.ErrResourceExhausted), errors.Is(err, services.ErrPromptTooLong):
				r.abandon(rn, sub, err)
			default:
				rn.backendFailures++
				r.abandon(rn, sub, err)
				for _, seg := range sub {
					ledger.uncommitted[seg.fingerprint] = true
				}
				rn.retry = true
				if rn.backendFailures >= maxBackendFailures {
					return services.Wrap(services.ErrFatal, StageName, "generate",
						fmt.Sprintf("Inference failed %d times in a row", rn.backendFailures), err)
				}
			}
		} else {
			rn.backendFailures = 0
			records := r.parseOutputs(sub, outputs)
			if err := r.commitFacts(ctx, rn, records); err != nil {
				for _, seg := range sub {
					ledger.uncommitted[seg.fingerprint] = true
				}
				rn.retry = true
			} else {
				for _, rec := range records {
					ledger.produced[rec.Fingerprint]++
				}
			}
			releaseResponses(outputs)
		}

		completed := r.settle(rn, ledger, sub)
		if completed > 0 {
			rn.res.Processed += int64(completed)
			r.metrics.FilesProcessed(completed)
		}
		r.saveCheckpoint(rn)
		r.progress(rn)
		releaseSegments(sub)
		start = end
	}

	return r.writePlaceholders(ctx, rn, ledger)
}

// extractBatch extracts every file concurrently. Failed or empty extractions
// are dropped from the cycle and left for a later pass.
func (r *Reasoner) extractBatch(ctx context.Context, rn *run, batch []store.Pending) ([]document, error) {
	r.status(fmt.Sprintf("Extracting text from %d files", len(batch)))
	docs := make([]document, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, p := range batch {
		g.Go(func() error {
			fctx := services.WithFingerprint(gctx, p.Fingerprint)
			text, err := r.extractor.Extract(fctx, p.Path)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.metrics.ExtractFailed()
				logging.Warn(logging.WithContext(fctx, r.logger), "extraction failed", "extract_failed",
					"file retried on a later pass",
					logging.String("path", p.Path),
					logging.String("error_class", string(services.Classify(err))),
					logging.Error(err),
				)
				return nil
			}
			if strings.TrimSpace(text) == "" {
				logging.WithContext(fctx, r.logger).Debug("extraction produced no text", logging.String("path", p.Path))
				return nil
			}
			docs[i] = document{fingerprint: p.Fingerprint, filename: filenameOf(p.Path), text: text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := docs[:0]
	for _, d := range docs {
		if d.fingerprint != "" {
			kept = append(kept, d)
		}
	}
	if dropped := len(batch) - len(kept); dropped > 0 {
		rn.res.Dropped += int64(dropped)
		rn.retry = true
	}
	return kept, nil
}

// window splits each document and registers its segment count.
func (r *Reasoner) window(docs []document, ledger *cycleLedger) []segment {
	var segments []segment
	for _, d := range docs {
		parts := Split(d.text, r.opts.WindowChars, r.opts.WindowOverlap)
		if len(parts) == 0 {
			continue
		}
		ledger.order = append(ledger.order, d.fingerprint)
		ledger.filenames[d.fingerprint] = d.filename
		ledger.remaining[d.fingerprint] = len(parts)
		for k, part := range parts {
			segments = append(segments, segment{
				fingerprint: d.fingerprint,
				filename:    d.filename,
				index:       k,
				prompt:      BuildPrompt(d.filename, part),
			})
		}
	}
	return segments
}

func (r *Reasoner) generate(ctx context.Context, rn *run, sub []segment) ([]inference.Response, error) {
	prompts := make([]string, len(sub))
	for i, seg := range sub {
		prompts[i] = seg.prompt
	}
	started := time.Now()
	outputs, err := rn.backend.Generate(ctx, prompts, r.opts.Sampling)
	r.metrics.ObserveInference(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}
	if len(outputs) != len(sub) {
		return nil, services.Wrap(services.ErrTransient, StageName, "generate",
			fmt.Sprintf("Backend returned %d responses for %d prompts", len(outputs), len(sub)), nil)
	}
	return outputs, nil
}

// shrink halves the sub-batch size after a capacity failure. The reduced
// size holds for the rest of the run.
func (r *Reasoner) shrink(rn *run, attempted int, err error) {
	next := attempted / 2
	if next < 1 {
		next = 1
	}
	r.chunk.Store(int64(next))
	r.metrics.ChunkShrunk(next)
	logging.Warn(rn.logger, "inference capacity exceeded", "chunk_shrunk", "sub-batch retried at smaller size",
		logging.Int("attempted", attempted),
		logging.Int("chunk_size", next),
		logging.Error(err),
	)
	r.status(fmt.Sprintf("Backend capacity exceeded; chunk size reduced to %d", next))
}

func (r *Reasoner) abandon(rn *run, sub []segment, err error) {
	rn.res.Abandoned++
	r.metrics.SubBatchAbandoned()
	files := make([]string, 0, len(sub))
	for _, seg := range sub {
		files = append(files, fmt.Sprintf("%s#%d", seg.filename, seg.index))
	}
	logging.Warn(rn.logger, "sub-batch abandoned", "sub_batch_abandoned", "segments skipped for this run",
		logging.Int("segments", len(sub)),
		logging.String("files", strings.Join(files, ", ")),
		logging.String("error_class", string(services.Classify(err))),
		logging.Error(err),
	)
	r.status(fmt.Sprintf("Skipped %d segment(s) after inference failure: %v", len(sub), err))
}

func (r *Reasoner) parseOutputs(sub []segment, outputs []inference.Response) []store.FactRecord {
	at := r.now().UTC()
	var records []store.FactRecord
	for i, out := range outputs {
		for _, fact := range ParseFacts(out.Text) {
			records = append(records, fact.Record(sub[i].fingerprint, sub[i].filename, at))
		}
	}
	return records
}

func (r *Reasoner) commitFacts(ctx context.Context, rn *run, records []store.FactRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.store.UpsertFacts(ctx, records); err != nil {
		logging.Warn(rn.logger, "fact commit failed", "commit_failed", "segments retried on a later pass",
			logging.Int("records", len(records)), logging.Error(err))
		r.status(fmt.Sprintf("DB write error: %v", err))
		return err
	}
	rn.res.Facts += int64(len(records))
	rn.last = records[len(records)-1].Fingerprint
	r.metrics.FactsPersisted(len(records))
	r.events.Emit(telemetry.Facts(StageName, samples(records)))
	return nil
}

// settle decrements outstanding segment counts and returns how many files
// finished this sub-batch with committed facts.
func (r *Reasoner) settle(rn *run, ledger *cycleLedger, sub []segment) int {
	completed := 0
	for _, seg := range sub {
		ledger.remaining[seg.fingerprint]--
		if ledger.remaining[seg.fingerprint] == 0 && ledger.produced[seg.fingerprint] > 0 {
			completed++
			rn.last = seg.fingerprint
		}
	}
	return completed
}

// writePlaceholders marks files whose segments were all attempted but
// yielded no facts, so the backlog query never offers them again.
func (r *Reasoner) writePlaceholders(ctx context.Context, rn *run, ledger *cycleLedger) error {
	at := r.now().UTC()
	var placeholders []store.FactRecord
	for _, fp := range ledger.order {
		if ledger.remaining[fp] > 0 || ledger.produced[fp] > 0 || ledger.uncommitted[fp] {
			continue
		}
		placeholders = append(placeholders, store.Placeholder(fp, ledger.filenames[fp], at))
	}
	if len(placeholders) == 0 {
		return nil
	}
	if err := r.store.UpsertFacts(ctx, placeholders); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warn(rn.logger, "placeholder commit failed", "commit_failed", "files retried on a later pass",
			logging.Int("placeholders", len(placeholders)), logging.Error(err))
		rn.retry = true
		return nil
	}
	n := len(placeholders)
	rn.res.Placeholders += int64(n)
	rn.res.Processed += int64(n)
	rn.last = placeholders[n-1].Fingerprint
	r.metrics.PlaceholdersWritten(n)
	r.metrics.FilesProcessed(n)
	rn.logger.Debug("placeholders written", logging.Int("count", n))
	r.saveCheckpoint(rn)
	r.progress(rn)
	return nil
}

// saveCheckpoint records cumulative counters. Failures never interrupt the run.
func (r *Reasoner) saveCheckpoint(rn *run) {
	if r.opts.Ledger == nil {
		return
	}
	last := rn.last
	if last == "" {
		last = rn.base.LastFingerprint
	}
	state := checkpoint.State{
		Processed:       rn.base.Processed + rn.res.Processed,
		LastFingerprint: last,
		TotalFacts:      rn.base.TotalFacts + rn.res.Facts,
		Timestamp:       r.now(),
		RunID:           r.opts.RunID,
	}
	if err := r.opts.Ledger.Save(state); err != nil {
		logging.Warn(rn.logger, "checkpoint write failed", "checkpoint_failed", "progress still committed to the store",
			logging.String("path", r.opts.Ledger.Path()), logging.Error(err))
	}
}

func (r *Reasoner) progress(rn *run) {
	r.events.Emit(telemetry.Progress(StageName, rn.res.Processed, rn.total))
	if rn.sampler.ShouldLog(int(rn.res.Processed), int(rn.total)) {
		rn.logger.Info("reasoner progress",
			logging.Int64("processed", rn.res.Processed),
			logging.Int64("backlog", rn.total),
			logging.Int64("facts", rn.res.Facts),
		)
	}
}

func samples(records []store.FactRecord) []telemetry.FactSample {
	n := len(records)
	if n > factSampleLimit {
		n = factSampleLimit
	}
	out := make([]telemetry.FactSample, n)
	for i, rec := range records[:n] {
		out[i] = telemetry.FactSample{
			Fingerprint: rec.Fingerprint,
			Filename:    rec.Filename,
			Quote:       rec.EvidenceQuote,
			Date:        rec.AssociatedDate,
			Summary:     rec.FactSummary,
			Category:    rec.Category,
			Crime:       rec.IdentifiedCrime,
			Severity:    rec.SeverityScore,
		}
	}
	return out
}

// releaseDocuments drops extracted text once it has been windowed.
func releaseDocuments(docs []document) {
	for i := range docs {
		docs[i].text = ""
	}
}

// releaseSegments drops prompt text once a sub-batch is settled.
func releaseSegments(sub []segment) {
	for i := range sub {
		sub[i].prompt = ""
	}
}

func releaseResponses(outputs []inference.Response) {
	for i := range outputs {
		outputs[i] = inference.Response{}
	}
}
