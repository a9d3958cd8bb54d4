package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Project identifies the ingestion project.
type Project struct {
	Name string `toml:"name"`
}

// Paths contains the source tree, store files and log directory.
type Paths struct {
	SourceRoot     string `toml:"source_root"`
	RegistryDB     string `toml:"registry_db"`
	IntelligenceDB string `toml:"intelligence_db"`
	LogDir         string `toml:"log_dir"`
}

// Scanner contains fingerprint scanner tuning.
type Scanner struct {
	CPUWorkers      int     `toml:"cpu_workers"`
	InFlightFactor  int     `toml:"in_flight_factor"`
	CommitBlock     int     `toml:"commit_block"`
	ProgressEvery   int     `toml:"progress_every"`
	RAMLimitGB      float64 `toml:"ram_limit_gb"`
	AdmissionPollMS int     `toml:"admission_poll_ms"`
}

// Reasoner contains batch reasoner tuning.
type Reasoner struct {
	BatchSize             int   `toml:"batch_size"`
	MaxFilesPerCycle      int   `toml:"max_files_per_cycle"`
	LLMChunkSize          int   `toml:"llm_chunk_size"`
	WindowChars           int   `toml:"window_chars"`
	WindowOverlap         int   `toml:"window_overlap"`
	MinExtensionlessBytes int64 `toml:"min_extensionless_bytes"`
	RetryPasses           int   `toml:"retry_passes"`
}

// Inference contains settings for the OpenAI-compatible inference backend.
type Inference struct {
	BaseURL              string  `toml:"base_url"`
	APIKey               string  `toml:"api_key"`
	Model                string  `toml:"model"`
	VRAMAllocation       float64 `toml:"vram_allocation"`
	ContextWindow        int     `toml:"context_window"`
	ReducedContextWindow int     `toml:"reduced_context_window"`
	MaxTokens            int     `toml:"max_tokens"`
	Temperature          float64 `toml:"temperature"`
	RepetitionPenalty    float64 `toml:"repetition_penalty"`
	TimeoutSeconds       int     `toml:"timeout_seconds"`
	RequestsPerSecond    float64 `toml:"requests_per_second"`
}

// Extraction contains the external tools used to turn files into text.
type Extraction struct {
	PDFTextCommand        string `toml:"pdftotext_command"`
	PDFRasterCommand      string `toml:"pdf_raster_command"`
	OCRCommand            string `toml:"ocr_command"`
	TranscribeCommand     string `toml:"transcribe_command"`
	MinPDFTextChars       int    `toml:"min_pdf_text_chars"`
	MaxFileSize           string `toml:"max_file_size"`
	CacheTTLMinutes       int    `toml:"cache_ttl_minutes"`
	CommandTimeoutSeconds int    `toml:"command_timeout_seconds"`

	// MaxFileBytes is derived from MaxFileSize during normalization.
	MaxFileBytes int64 `toml:"-"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics configures the Prometheus diagnostics endpoint. An empty bind
// disables it.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Config encapsulates all configuration values for steinline.
//
// Configuration sections by subsystem:
//   - Project: project label stamped on logs
//   - Paths: source tree, registry/intelligence databases, logs
//   - Scanner: fingerprint worker pool, commit block, memory ceiling
//   - Reasoner: batch sizes, windowing, retry passes
//   - Inference: backend endpoint, model, context and VRAM footprint
//   - Extraction: external extraction commands and limits
//   - Logging: log format and level
//   - Metrics: Prometheus endpoint
type Config struct {
	Project    Project    `toml:"project"`
	Paths      Paths      `toml:"paths"`
	Scanner    Scanner    `toml:"scanner"`
	Reasoner   Reasoner   `toml:"reasoner"`
	Inference  Inference  `toml:"inference"`
	Extraction Extraction `toml:"extraction"`
	Logging    Logging    `toml:"logging"`
	Metrics    Metrics    `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/steinline/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("steinline.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories holding the store files and logs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Paths.RegistryDB),
		filepath.Dir(c.Paths.IntelligenceDB),
		c.Paths.LogDir,
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CheckpointPath returns the checkpoint file that sits beside the
// intelligence database.
func (c *Config) CheckpointPath() string {
	base := strings.TrimSuffix(c.Paths.IntelligenceDB, filepath.Ext(c.Paths.IntelligenceDB))
	return base + ".checkpoint.json"
}

// LockPath returns the run lock guarding single-writer access to the store.
func (c *Config) LockPath() string {
	return filepath.Join(filepath.Dir(c.Paths.IntelligenceDB), "steinline.lock")
}

// AdmissionPoll returns the scanner's memory admission poll interval.
func (c *Config) AdmissionPoll() time.Duration {
	return time.Duration(c.Scanner.AdmissionPollMS) * time.Millisecond
}

// RAMLimitBytes converts the configured ceiling to bytes. Zero disables
// admission control.
func (c *Config) RAMLimitBytes() uint64 {
	if c.Scanner.RAMLimitGB <= 0 {
		return 0
	}
	return uint64(c.Scanner.RAMLimitGB * float64(1<<30))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(data), nil
}
