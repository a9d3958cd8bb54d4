// Package registry builds the content-addressed file registry.
//
// A Scanner walks the source root once per run, streaming every path not
// already registered into a bounded hashing pool. The number of files
// submitted but not yet retired is capped by a semaphore, so memory stays
// flat regardless of tree size. Retirement is where the scanner honours the
// pause gate and the resident memory ceiling; hashing already in flight is
// never interrupted. Results are committed to the store in blocks, with a
// final partial flush even when the scan is cancelled.
//
// Paths already present in the registry are never rehashed, so a file
// modified in place keeps its original fingerprint until it is moved.
package registry
