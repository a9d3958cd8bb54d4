package extraction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (r *Router) extractImage(ctx context.Context, path string) (string, error) {
	if r.ocr == "" {
		return "", errors.New("ocr command not configured")
	}
	out, err := r.run(ctx, r.ocr, path, "stdout")
	if err != nil {
		return "", err
	}
	return joinLines(string(out)), nil
}

// extractMedia transcribes the audio track. The transcriber writes a .txt
// file named after the source into a scratch directory.
func (r *Router) extractMedia(ctx context.Context, path string) (string, error) {
	if r.transcribe == "" {
		return "", errors.New("transcribe command not configured")
	}
	dir, err := os.MkdirTemp("", "steinline-stt-")
	if err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	defer os.RemoveAll(dir)

	args := []string{path,
		"--model", "base",
		"--output_format", "txt",
		"--output_dir", dir,
		"--verbose", "False",
	}
	if _, err := r.run(ctx, r.transcribe, args...); err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	data, err := os.ReadFile(filepath.Join(dir, stem+".txt"))
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return joinLines(string(data)), nil
}

// joinLines collapses tool output into a single space separated string.
func joinLines(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
