// Package workflow runs the pipeline stages for one process.
//
// The Manager takes the single-writer run lock, runs preflight checks and
// then drives the Fingerprint Scanner and the Batch Reasoner either alone
// or side by side. When both run together the reasoner may drain the
// backlog before the scan has finished; it is then restarted after each
// requeue interval, and once more after the scan completes, so files
// registered late are still analysed in the same run.
//
// Pause, resume and stop are applied to both stage gates at once. Status
// aggregates store counts, the backlog, the checkpoint ledger, extraction
// dependencies and the latest progress event per stage.
package workflow
