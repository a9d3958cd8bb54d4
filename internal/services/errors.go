package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExtraction        = errors.New("extraction failure")
	ErrResourceExhausted = errors.New("inference resources exhausted")
	ErrPromptTooLong     = errors.New("prompt exceeds context window")
	ErrFatal             = errors.New("fatal error")
	ErrStore             = errors.New("content store error")
	ErrConfiguration     = errors.New("configuration error")
	ErrTransient         = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker so callers can classify it with errors.Is. The marker
// should be one of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Class names the recovery policy for an error raised inside a stage.
type Class string

const (
	ClassItem     Class = "item"
	ClassCapacity Class = "capacity"
	ClassStore    Class = "store"
	ClassFatal    Class = "fatal"
)

// Classify maps an error to the recovery policy the stages apply:
// per-item failures (including a single prompt too long for the context
// window) are skipped, capacity failures shrink the batch,
// store failures are retried on the next cycle and everything else
// terminates the stage.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrResourceExhausted):
		return ClassCapacity
	case errors.Is(err, ErrExtraction), errors.Is(err, ErrPromptTooLong):
		return ClassItem
	case errors.Is(err, ErrStore), errors.Is(err, ErrTransient):
		return ClassStore
	default:
		return ClassFatal
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
