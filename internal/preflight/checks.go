package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"steinline/internal/config"
	"steinline/internal/deps"
	"steinline/internal/services"
	"steinline/internal/services/inference"
)

const inferenceCheckTimeout = 30 * time.Second

// CheckInference verifies that the inference endpoint is reachable and serves
// the configured model. It makes a single attempt with no retries.
func CheckInference(ctx context.Context, name string, cfg config.Inference) Result {
	if cfg.BaseURL == "" {
		return Result{Name: name, Detail: "base url missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, inferenceCheckTimeout)
	defer cancel()

	factory := inference.NewOpenAIFactory(cfg, nil, inference.WithRetryMaxAttempts(1))
	footprint := inference.Footprint{VRAMFraction: cfg.VRAMAllocation, ContextWindow: cfg.ContextWindow}
	if _, err := factory.Init(checkCtx, footprint); err != nil {
		return Result{Name: name, Detail: summarizeInferenceError(err)}
	}
	if cfg.Model == "" {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s reachable", cfg.BaseURL)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s serves %s", cfg.BaseURL, cfg.Model)}
}

// CheckSourceRoot verifies that the source tree exists and can be listed.
func CheckSourceRoot(name, path string) Result {
	if path == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read ok)", path)}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates the extraction tools for the given config. Both
// the workflow manager and the CLI status command use this to avoid
// duplicating the requirements list.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(deps.ExtractionRequirements(cfg.Extraction))
}

func dataDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.IntelligenceDB)
}

// summarizeInferenceError produces a human-readable summary for endpoint
// check failures.
func summarizeInferenceError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (inference API unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (inference API unreachable)"
	}
	if errors.Is(err, services.ErrResourceExhausted) {
		return "endpoint reachable but out of capacity"
	}
	return err.Error()
}
