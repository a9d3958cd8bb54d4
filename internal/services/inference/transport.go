package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

type extraBodyKey struct{}

// withExtraBody attaches JSON fields to merge into outgoing request bodies.
func withExtraBody(ctx context.Context, extras map[string]any) context.Context {
	return context.WithValue(ctx, extraBodyKey{}, extras)
}

// extraBodyTransport merges sampling parameters the OpenAI schema lacks
// (repetition_penalty) or would omit when zero (temperature) into JSON
// request bodies. OpenAI-compatible servers such as vLLM accept both.
type extraBodyTransport struct {
	base http.RoundTripper
}

func (t *extraBodyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	extras, _ := req.Context().Value(extraBodyKey{}).(map[string]any)
	if len(extras) == 0 || req.Body == nil || req.Method != http.MethodPost ||
		!strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		return t.base.RoundTrip(req)
	}
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		for k, v := range extras {
			if _, set := body[k]; !set {
				body[k] = v
			}
		}
		if merged, err := json.Marshal(body); err == nil {
			raw = merged
		}
	}

	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(raw))
	clone.ContentLength = int64(len(raw))
	clone.Header.Set("Content-Length", strconv.Itoa(len(raw)))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	return t.base.RoundTrip(clone)
}
