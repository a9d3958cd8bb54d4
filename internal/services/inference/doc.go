// Package inference talks to the batched text-generation engine.
//
// The engine is an OpenAI-compatible completions server (vLLM or similar).
// Factory.Init probes the endpoint for the configured model and returns a
// Backend bound to a context-window footprint. Generate sends every prompt of
// a sub-batch in one request and maps server failures onto the service error
// taxonomy: memory and context overflows become services.ErrResourceExhausted
// so callers can split the batch, a prompt longer than the window becomes
// services.ErrPromptTooLong, auth and missing-model failures become
// services.ErrFatal, and gateway hiccups are retried with backoff.
package inference
