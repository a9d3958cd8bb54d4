// Package services defines shared utilities consumed by the pipeline stages
// and their external collaborators.
//
// Key responsibilities:
//   - Context helpers that stamp stage names, run identifiers, and content
//     fingerprints for logging.
//   - Structured error markers plus the Wrap helper and Classify, which map
//     failures onto the recovery policy the stages apply (skip the item,
//     shrink the batch, retry next cycle, or stop).
//
// Adapters for the extraction tools and the inference backend live in
// subpackages so they can be swapped or faked in tests.
package services
