// Package preflight provides readiness checks for the filesystem paths and
// external services steinline depends on.
//
// These checks run in two contexts:
//   - The workflow manager calls RunAll before starting a stage. If any
//     check fails, the stage is not started.
//   - The CLI "steinline status" command runs the same checks and the
//     extraction dependency report to display overall health.
package preflight
