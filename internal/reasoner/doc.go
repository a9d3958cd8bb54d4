// Package reasoner turns registered files into intelligence rows.
//
// Each cycle fetches a page of the unprocessed backlog using a rowid cursor,
// extracts text with a bounded worker group, splits long text into
// overlapping windows and sends the resulting prompts to the inference
// backend in sub-batches. Facts are parsed leniently from the free-form
// completions and committed per sub-batch. When the backend reports a
// capacity failure the sub-batch size is halved for the rest of the run;
// a single segment that still does not fit is skipped. A prompt longer than
// the context window says nothing about batch size, so its sub-batch is
// re-sent one segment at a time and only the oversized segment is skipped.
//
// A file whose segments were all attempted without yielding a fact gets a
// placeholder row, so the backlog query never returns it again. Files that
// failed extraction or whose rows could not be committed stay in the
// backlog and are retried on the next pass.
package reasoner
