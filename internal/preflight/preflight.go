package preflight

import (
	"context"

	"steinline/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the readiness checks for the given config. The inference
// endpoint is only probed when includeInference is set, since scan-only runs
// never talk to it.
func RunAll(ctx context.Context, cfg *config.Config, includeInference bool) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckSourceRoot("Source root", cfg.Paths.SourceRoot))
	results = append(results, CheckDirectoryAccess("Data directory", dataDir(cfg)))

	if includeInference {
		results = append(results, CheckInference(ctx, "Inference backend", cfg.Inference))
	}

	return results
}

// Failed returns the subset of results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
