package inference

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"steinline/internal/services"
)

// ErrRejected marks requests the server refused as malformed. Retrying the
// same payload will not help.
var ErrRejected = errors.New("inference request rejected")

// capacityMarkers are substrings servers use when a batch or sequence does
// not fit the engine's memory or context limits.
var capacityMarkers = []string{
	"out of memory",
	"cuda error",
	"kv cache",
	"maximum context length",
	"context length",
	"too many tokens",
	"insufficient memory",
}

// classify maps client errors onto the service taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	message := err.Error()
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		message = apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	lower := strings.ToLower(message)
	for _, marker := range capacityMarkers {
		if strings.Contains(lower, marker) {
			return services.Wrap(services.ErrResourceExhausted, "inference", op, message, err)
		}
	}

	switch {
	case status == http.StatusServiceUnavailable,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusInsufficientStorage:
		return services.Wrap(services.ErrResourceExhausted, "inference", op, message, err)
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound:
		return services.Wrap(services.ErrFatal, "inference", op, message, err)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return services.Wrap(services.ErrTransient, "inference", op, message, err)
	case status >= http.StatusBadRequest:
		return services.Wrap(ErrRejected, "inference", op, message, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return services.Wrap(services.ErrTransient, "inference", op, "Endpoint unreachable", err)
	}
	return services.Wrap(services.ErrTransient, "inference", op, message, err)
}
