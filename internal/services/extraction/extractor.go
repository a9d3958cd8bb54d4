package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"steinline/internal/config"
	"steinline/internal/logging"
	"steinline/internal/services"
)

// Extractor turns a file into plain text. An empty result with a nil error
// means the file carried no recoverable text.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

type kind int

const (
	kindUnknown kind = iota
	kindPDF
	kindImage
	kindMedia
	kindText
)

var extensionKinds = map[string]kind{
	".pdf":  kindPDF,
	".jpg":  kindImage,
	".jpeg": kindImage,
	".png":  kindImage,
	".bmp":  kindImage,
	".tif":  kindImage,
	".tiff": kindImage,
	".mp4":  kindMedia,
	".mov":  kindMedia,
	".m4v":  kindMedia,
	".mp3":  kindMedia,
	".wav":  kindMedia,
	".m4a":  kindMedia,
	".txt":  kindText,
	".md":   kindText,
	".csv":  kindText,
	".log":  kindText,
	".json": kindText,
	".xml":  kindText,
	".htm":  kindText,
	".html": kindText,
	".eml":  kindText,
}

// SupportedExtensions lists the lowercase extensions the router can handle,
// sorted for stable query construction.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(extensionKinds))
	for ext := range extensionKinds {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Router dispatches files to the external tool matching their type.
type Router struct {
	pdfText        string
	pdfRaster      string
	ocr            string
	transcribe     string
	minPDFChars    int
	maxFileBytes   int64
	commandTimeout time.Duration

	run    commandRunner
	logger *slog.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithCommandRunner injects a custom command runner (primarily for tests).
func WithCommandRunner(r func(ctx context.Context, name string, args ...string) ([]byte, error)) Option {
	return func(rt *Router) {
		if r != nil {
			rt.run = r
		}
	}
}

// NewRouter builds a Router from the extraction configuration.
func NewRouter(cfg config.Extraction, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		pdfText:        cfg.PDFTextCommand,
		pdfRaster:      cfg.PDFRasterCommand,
		ocr:            cfg.OCRCommand,
		transcribe:     cfg.TranscribeCommand,
		minPDFChars:    cfg.MinPDFTextChars,
		maxFileBytes:   cfg.MaxFileBytes,
		commandTimeout: time.Duration(cfg.CommandTimeoutSeconds) * time.Second,
		run:            defaultCommandRunner,
		logger:         logging.NewComponentLogger(logger, "extraction"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Extract implements Extractor.
func (r *Router) Extract(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", services.Wrap(services.ErrExtraction, "extraction", "stat", "File unavailable", err)
	}
	if info.IsDir() {
		return "", services.Wrap(services.ErrExtraction, "extraction", "stat", "Path is a directory", nil)
	}
	if r.maxFileBytes > 0 && info.Size() > r.maxFileBytes {
		return "", services.Wrap(services.ErrExtraction, "extraction", "size guard",
			fmt.Sprintf("File too large (%s > %s)", humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(r.maxFileBytes))), nil)
	}

	k := r.classify(path)
	if r.commandTimeout > 0 && k != kindText {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.commandTimeout)
		defer cancel()
	}

	var text string
	switch k {
	case kindPDF:
		text, err = r.extractPDF(ctx, path)
	case kindImage:
		text, err = r.extractImage(ctx, path)
	case kindMedia:
		text, err = r.extractMedia(ctx, path)
	case kindText:
		text, err = readText(path, r.maxFileBytes)
	default:
		return "", services.Wrap(services.ErrExtraction, "extraction", "route",
			fmt.Sprintf("Unsupported file type %q", strings.ToLower(filepath.Ext(path))), nil)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		return "", services.Wrap(services.ErrExtraction, "extraction", "extract", filepath.Base(path), err)
	}
	text = strings.TrimSpace(text)
	r.logger.Debug("extracted text",
		logging.String("path", path),
		logging.Int("chars", len(text)),
	)
	return text, nil
}

func (r *Router) classify(path string) kind {
	ext := strings.ToLower(filepath.Ext(path))
	if k, ok := extensionKinds[ext]; ok {
		return k
	}
	if ext != "" {
		return kindUnknown
	}
	return sniff(path)
}

// sniff classifies extensionless files from their leading bytes.
func sniff(path string) kind {
	f, err := os.Open(path)
	if err != nil {
		return kindUnknown
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return kindUnknown
	}
	mime := http.DetectContentType(head[:n])
	switch {
	case strings.HasPrefix(mime, "application/pdf"):
		return kindPDF
	case strings.HasPrefix(mime, "image/"):
		return kindImage
	case strings.HasPrefix(mime, "audio/"), strings.HasPrefix(mime, "video/"):
		return kindMedia
	case strings.HasPrefix(mime, "text/"):
		return kindText
	default:
		return kindUnknown
	}
}
