package extraction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"steinline/internal/logging"
)

const rasterDPI = "150"

// extractPDF pulls the digital text layer page by page. Pages whose text is
// shorter than the configured minimum are treated as scans: they are
// rasterized and passed through OCR instead.
func (r *Router) extractPDF(ctx context.Context, path string) (string, error) {
	if r.pdfText == "" {
		return "", errors.New("pdftotext command not configured")
	}
	out, err := r.run(ctx, r.pdfText, "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return "", err
	}
	pages := splitPages(string(out))

	var scratch string
	defer func() {
		if scratch != "" {
			_ = os.RemoveAll(scratch)
		}
	}()

	for i, page := range pages {
		page = strings.TrimSpace(page)
		pages[i] = page
		if len([]rune(page)) >= r.minPDFChars || r.pdfRaster == "" || r.ocr == "" {
			continue
		}
		if scratch == "" {
			scratch, err = os.MkdirTemp("", "steinline-pdf-")
			if err != nil {
				return "", fmt.Errorf("create raster dir: %w", err)
			}
		}
		text, err := r.ocrPage(ctx, path, i+1, scratch)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.logger.Debug("page ocr fallback failed",
				logging.String("path", path),
				logging.Int("page", i+1),
				logging.Error(err),
			)
			continue
		}
		pages[i] = text
	}
	return strings.Join(pages, "\n"), nil
}

func (r *Router) ocrPage(ctx context.Context, path string, page int, dir string) (string, error) {
	n := strconv.Itoa(page)
	prefix := filepath.Join(dir, "page-"+n)
	if _, err := r.run(ctx, r.pdfRaster, "-f", n, "-l", n, "-r", rasterDPI, "-png", "-singlefile", path, prefix); err != nil {
		return "", err
	}
	image := prefix + ".png"
	defer os.Remove(image)
	out, err := r.run(ctx, r.ocr, image, "stdout")
	if err != nil {
		return "", err
	}
	return joinLines(string(out)), nil
}

// splitPages splits pdftotext output on form feeds, dropping the empty tail
// produced by the terminating feed.
func splitPages(out string) []string {
	pages := strings.Split(out, "\f")
	if len(pages) > 1 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	return pages
}
