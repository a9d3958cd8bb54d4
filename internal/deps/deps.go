package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"steinline/internal/config"
)

// Requirement defines an external binary steinline relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// ExtractionRequirements lists the commands the extraction router shells out
// to. Only the PDF text layer is mandatory; rasterisation, OCR and
// transcription degrade to skipping the affected files.
func ExtractionRequirements(cfg config.Extraction) []Requirement {
	return []Requirement{
		{
			Name:        "pdftotext",
			Command:     cfg.PDFTextCommand,
			Description: "Required for PDF text extraction",
		},
		{
			Name:        "pdftoppm",
			Command:     cfg.PDFRasterCommand,
			Description: "Rasterises scanned PDF pages for OCR",
			Optional:    true,
		},
		{
			Name:        "Tesseract",
			Command:     cfg.OCRCommand,
			Description: "OCR for images and scanned PDFs",
			Optional:    true,
		},
		{
			Name:        "Whisper",
			Command:     cfg.TranscribeCommand,
			Description: "Transcribes audio and video files",
			Optional:    true,
		},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// MissingRequired returns the names of unavailable non-optional dependencies.
func MissingRequired(statuses []Status) []string {
	var missing []string
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			missing = append(missing, s.Name)
		}
	}
	return missing
}
