package inference

import "context"

// Sampling controls decoding for one Generate call.
type Sampling struct {
	Temperature       float64
	MaxTokens         int
	RepetitionPenalty float64
	Stop              []string
}

// Response is the completion for a single prompt.
type Response struct {
	Text         string
	FinishReason string
}

// Footprint is the resource budget a backend is initialized with.
type Footprint struct {
	// VRAMFraction is the share of accelerator memory the engine may claim.
	VRAMFraction float64
	// ContextWindow is the maximum tokens per sequence, prompt plus output.
	ContextWindow int
}

// Backend runs batched text generation. Responses are returned in prompt
// order. Errors wrapping services.ErrResourceExhausted mean the batch was too
// large for the engine and may succeed if split. services.ErrPromptTooLong
// means at least one prompt cannot fit the context window on its own.
type Backend interface {
	Generate(ctx context.Context, prompts []string, sampling Sampling) ([]Response, error)
}

// Factory initializes a Backend for a footprint. Init failures wrapping
// services.ErrResourceExhausted may succeed with a smaller footprint.
type Factory interface {
	Init(ctx context.Context, footprint Footprint) (Backend, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, footprint Footprint) (Backend, error)

// Init implements Factory.
func (f FactoryFunc) Init(ctx context.Context, footprint Footprint) (Backend, error) {
	return f(ctx, footprint)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, prompts []string, sampling Sampling) ([]Response, error)

// Generate implements Backend.
func (f BackendFunc) Generate(ctx context.Context, prompts []string, sampling Sampling) ([]Response, error) {
	return f(ctx, prompts, sampling)
}
