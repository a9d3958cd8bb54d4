package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"steinline/internal/config"
	"steinline/internal/logging"
	"steinline/internal/services"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	defaultAPIKey         = "EMPTY"
	charsPerToken         = 3
)

// Option customizes the OpenAI-compatible factory.
type Option func(*OpenAIFactory)

// WithHTTPClient overrides the base HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *OpenAIFactory) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(f *OpenAIFactory) {
		f.retryBaseDelay = baseDelay
		f.retryMaxDelay = maxDelay
	}
}

// WithRetryMaxAttempts overrides the retry count for transient failures.
func WithRetryMaxAttempts(attempts int) Option {
	return func(f *OpenAIFactory) {
		f.retryAttempts = attempts
	}
}

// OpenAIFactory connects to an OpenAI-compatible completions endpoint such as
// a vLLM server.
type OpenAIFactory struct {
	cfg            config.Inference
	httpClient     *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	logger         *slog.Logger
}

// NewOpenAIFactory builds a factory from the inference configuration.
func NewOpenAIFactory(cfg config.Inference, logger *slog.Logger, opts ...Option) *OpenAIFactory {
	f := &OpenAIFactory{
		cfg:            cfg,
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
		logger:         logging.NewComponentLogger(logger, "inference"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	return f
}

// Init verifies the endpoint serves the configured model and returns a backend
// that enforces the footprint's context window client side.
func (f *OpenAIFactory) Init(ctx context.Context, footprint Footprint) (Backend, error) {
	if footprint.ContextWindow <= 0 {
		return nil, services.Wrap(services.ErrConfiguration, "inference", "init", "Context window must be positive", nil)
	}

	base := f.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient := *f.httpClient
	httpClient.Transport = &extraBodyTransport{base: base}

	apiKey := strings.TrimSpace(f.cfg.APIKey)
	if apiKey == "" {
		apiKey = defaultAPIKey
	}
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = strings.TrimRight(f.cfg.BaseURL, "/")
	clientCfg.HTTPClient = &httpClient

	b := &openAIBackend{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     f.cfg.Model,
		footprint: footprint,
		factory:   f,
		logger:    f.logger,
	}
	if f.cfg.RequestsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(f.cfg.RequestsPerSecond), 1)
	}

	models, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, classify("init", err)
	}
	if b.model == "" && len(models.Models) > 0 {
		b.model = models.Models[0].ID
	}
	if !servesModel(models, b.model) {
		return nil, services.Wrap(services.ErrFatal, "inference", "init",
			fmt.Sprintf("Model %q not served at %s", b.model, clientCfg.BaseURL), nil)
	}

	f.logger.Info("inference backend ready",
		logging.String("model", b.model),
		logging.String("base_url", clientCfg.BaseURL),
		logging.Int("context_window", footprint.ContextWindow),
		logging.Float64("vram_fraction", footprint.VRAMFraction),
	)
	return b, nil
}

func servesModel(list openai.ModelsList, model string) bool {
	if len(list.Models) == 0 {
		return true
	}
	for _, m := range list.Models {
		if m.ID == model {
			return true
		}
	}
	return false
}

type openAIBackend struct {
	client    *openai.Client
	model     string
	footprint Footprint
	limiter   *rate.Limiter
	factory   *OpenAIFactory
	logger    *slog.Logger
}

// Generate sends all prompts as one batched completions request.
func (b *openAIBackend) Generate(ctx context.Context, prompts []string, sampling Sampling) ([]Response, error) {
	if len(prompts) == 0 {
		return nil, nil
	}
	maxTokens, err := b.budget(prompts, sampling.MaxTokens)
	if err != nil {
		return nil, err
	}

	req := openai.CompletionRequest{
		Model:     b.model,
		Prompt:    prompts,
		MaxTokens: maxTokens,
		Stop:      sampling.Stop,
	}
	extras := map[string]any{"temperature": sampling.Temperature}
	if sampling.RepetitionPenalty > 0 {
		extras["repetition_penalty"] = sampling.RepetitionPenalty
	}
	ctx = withExtraBody(ctx, extras)

	attempts := b.factory.retryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := b.client.CreateCompletion(ctx, req)
		if err == nil {
			return orderChoices(resp, len(prompts))
		}
		lastErr = classify("generate", err)
		if !errors.Is(lastErr, services.ErrTransient) || attempt == attempts || ctx.Err() != nil {
			break
		}
		delay := b.factory.backoffDelay(attempt)
		b.logger.Debug("retrying completion request",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, lastErr
}

// budget clamps output tokens so prompt plus output fits the context window.
// A prompt that cannot fit at all fails with services.ErrPromptTooLong; no
// smaller batch would help it.
func (b *openAIBackend) budget(prompts []string, maxTokens int) (int, error) {
	longest := 0
	for _, p := range prompts {
		if n := len(p)/charsPerToken + 1; n > longest {
			longest = n
		}
	}
	room := b.footprint.ContextWindow - longest
	if room <= 0 {
		return 0, services.Wrap(services.ErrPromptTooLong, "inference", "generate",
			fmt.Sprintf("Prompt of ~%d tokens exceeds context window %d", longest, b.footprint.ContextWindow), nil)
	}
	if maxTokens <= 0 || maxTokens > room {
		maxTokens = room
	}
	return maxTokens, nil
}

func orderChoices(resp openai.CompletionResponse, n int) ([]Response, error) {
	out := make([]Response, n)
	for i, choice := range resp.Choices {
		idx := choice.Index
		if idx < 0 || idx >= n {
			idx = i
		}
		if idx >= n {
			continue
		}
		out[idx] = Response{Text: choice.Text, FinishReason: choice.FinishReason}
	}
	if len(resp.Choices) < n {
		return nil, services.Wrap(services.ErrTransient, "inference", "generate",
			fmt.Sprintf("Expected %d choices, got %d", n, len(resp.Choices)), nil)
	}
	return out, nil
}

func (f *OpenAIFactory) backoffDelay(attempt int) time.Duration {
	base := f.retryBaseDelay
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if f.retryMaxDelay > 0 && delay > f.retryMaxDelay/2 {
			return f.retryMaxDelay
		}
		delay *= 2
	}
	if f.retryMaxDelay > 0 && delay > f.retryMaxDelay {
		return f.retryMaxDelay
	}
	return delay
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
