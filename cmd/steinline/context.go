package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"steinline/internal/config"
	"steinline/internal/logging"
	"steinline/internal/observability"
	"steinline/internal/services/extraction"
	"steinline/internal/services/inference"
	"steinline/internal/store"
	"steinline/internal/telemetry"
	"steinline/internal/workflow"
)

const eventHubCapacity = 4096

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configSeen = exists
	})
	return c.config, c.configErr
}

// runtime holds the long-lived collaborators a stage or status command needs.
type runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *store.Store
	hub         *telemetry.Hub
	metrics     *observability.Metrics
	diagnostics *observability.DiagnosticsServer
	manager     *workflow.Manager
}

// openRuntime opens the store and builds the workflow manager. Only stage
// commands serve metrics, so status can run beside an active pipeline.
func (c *commandContext) openRuntime(ctx context.Context, serveMetrics bool) (*runtime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	st, err := store.Open(ctx, store.Options{
		RegistryPath:     cfg.Paths.RegistryDB,
		IntelligencePath: cfg.Paths.IntelligenceDB,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("open content store", logging.Error(err))
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		hub:     telemetry.NewHub(eventHubCapacity, logger),
		metrics: observability.NewMetrics(),
	}
	if bind := strings.TrimSpace(cfg.Metrics.Bind); serveMetrics && bind != "" {
		diag, err := observability.NewDiagnosticsServer(bind, rt.metrics, logger)
		if err != nil {
			logging.Warn(logger, "diagnostics server unavailable", "diagnostics_failed",
				"metrics are not exported for this run", logging.Error(err))
		} else {
			rt.diagnostics = diag
		}
	}

	router := extraction.NewRouter(cfg.Extraction, logger)
	extractor := extraction.NewCached(router, time.Duration(cfg.Extraction.CacheTTLMinutes)*time.Minute)
	rt.manager = workflow.NewManager(cfg, workflow.Dependencies{
		Store:     st,
		Extractor: extractor,
		Factory:   inference.NewOpenAIFactory(cfg.Inference, logger),
		Events:    rt.hub,
		Metrics:   rt.metrics,
	}, logger)
	return rt, nil
}

func (r *runtime) Close() {
	if r.diagnostics != nil {
		if err := r.diagnostics.Close(); err != nil {
			r.logger.Warn("close diagnostics server", logging.Error(err))
		}
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("close content store", logging.Error(err))
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
