package extraction

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"steinline/internal/config"
	"steinline/internal/services"
	"steinline/internal/testsupport"
)

type recordedCall struct {
	name string
	args []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []recordedCall
	respond func(name string, args []string) ([]byte, error)
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{name: name, args: append([]string(nil), args...)})
	f.mu.Unlock()
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(name, args)
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func newTestRouter(t *testing.T, runner *fakeRunner) *Router {
	t.Helper()
	cfg := config.Default().Extraction
	cfg.MaxFileBytes = 1 << 20
	return NewRouter(cfg, nil, WithCommandRunner(runner.run))
}

func TestExtractPDFFallsBackToOCRForShortPages(t *testing.T) {
	dir := t.TempDir()
	files := testsupport.WriteTree(t, dir, map[string]string{"doc.pdf": "%PDF-1.4"})

	longPage := strings.Repeat("digital text ", 20)
	runner := &fakeRunner{respond: func(name string, args []string) ([]byte, error) {
		switch name {
		case "pdftotext":
			return []byte(longPage + "\f  \f"), nil
		case "pdftoppm":
			prefix := args[len(args)-1]
			return nil, os.WriteFile(prefix+".png", []byte("png"), 0o644)
		case "tesseract":
			return []byte("scanned\npage  words\n"), nil
		}
		return nil, errors.New("unexpected command " + name)
	}}

	text, err := newTestRouter(t, runner).Extract(context.Background(), files["doc.pdf"])
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "digital text") || !strings.HasSuffix(text, "scanned page words") {
		t.Fatalf("unexpected text %q", text)
	}
	if runner.count("pdftoppm") != 1 || runner.count("tesseract") != 1 {
		t.Fatalf("expected one OCR fallback, got raster=%d ocr=%d", runner.count("pdftoppm"), runner.count("tesseract"))
	}
}

func TestExtractMediaReadsTranscript(t *testing.T) {
	dir := t.TempDir()
	files := testsupport.WriteTree(t, dir, map[string]string{"call.mp3": "ID3"})

	runner := &fakeRunner{respond: func(name string, args []string) ([]byte, error) {
		for i, arg := range args {
			if arg == "--output_dir" {
				return nil, os.WriteFile(filepath.Join(args[i+1], "call.txt"), []byte("hello\nthere\n"), 0o644)
			}
		}
		return nil, errors.New("missing output dir")
	}}

	text, err := newTestRouter(t, runner).Extract(context.Background(), files["call.mp3"])
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestExtractTextDecodesLegacyEncoding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memo.txt")
	if err := os.WriteFile(path, []byte{'c', 'a', 'f', 0xE9}, 0o644); err != nil {
		t.Fatal(err)
	}
	text, err := newTestRouter(t, &fakeRunner{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "café" {
		t.Fatalf("expected windows-1252 decode, got %q", text)
	}
}

func TestExtractExtensionlessTextIsSniffed(t *testing.T) {
	dir := t.TempDir()
	files := testsupport.WriteTree(t, dir, map[string]string{"NOTES": "plain words in a file"})
	text, err := newTestRouter(t, &fakeRunner{}).Extract(context.Background(), files["NOTES"])
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "plain words in a file" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractFailuresAreExtractionErrors(t *testing.T) {
	dir := t.TempDir()
	files := testsupport.WriteTree(t, dir, map[string]string{
		"photo.png":   "png",
		"archive.zip": "PK",
	})
	big := filepath.Join(dir, "big.txt")
	testsupport.WriteFile(t, big, 2<<20)

	runner := &fakeRunner{respond: func(string, []string) ([]byte, error) {
		return nil, errors.New("tesseract crashed")
	}}
	router := newTestRouter(t, runner)

	cases := map[string]string{
		"tool failure": files["photo.png"],
		"unsupported":  files["archive.zip"],
		"too large":    big,
		"missing":      filepath.Join(dir, "nope.txt"),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := router.Extract(context.Background(), path)
			if !errors.Is(err, services.ErrExtraction) {
				t.Fatalf("expected ErrExtraction, got %v", err)
			}
		})
	}
}

type countingExtractor struct {
	calls int
}

func (c *countingExtractor) Extract(context.Context, string) (string, error) {
	c.calls++
	return "text", nil
}

func TestCachedKeysByFingerprint(t *testing.T) {
	inner := &countingExtractor{}
	cached := NewCached(inner, time.Minute)

	ctx := services.WithFingerprint(context.Background(), "fp-1")
	for _, path := range []string{"/a.txt", "/b.txt"} {
		if _, err := cached.Extract(ctx, path); err != nil {
			t.Fatalf("Extract: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one underlying extraction, got %d", inner.calls)
	}
	if _, err := cached.Extract(context.Background(), "/a.txt"); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected path-keyed miss, got %d calls", inner.calls)
	}
	if NewCached(inner, 0) != Extractor(inner) {
		t.Fatal("expected zero ttl to disable caching")
	}
}

func TestSupportedExtensionsSorted(t *testing.T) {
	exts := SupportedExtensions()
	for i := 1; i < len(exts); i++ {
		if exts[i-1] >= exts[i] {
			t.Fatalf("extensions not sorted at %d: %v", i, exts)
		}
	}
}
