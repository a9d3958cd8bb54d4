package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

func (c *Config) normalize() error {
	c.Project.Name = strings.TrimSpace(c.Project.Name)
	if c.Project.Name == "" {
		c.Project.Name = defaultProjectName
	}
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeScanner()
	c.normalizeReasoner()
	c.normalizeInference()
	if err := c.normalizeExtraction(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.SourceRoot) != "" {
		if c.Paths.SourceRoot, err = expandPath(c.Paths.SourceRoot); err != nil {
			return fmt.Errorf("paths.source_root: %w", err)
		}
	}
	if strings.TrimSpace(c.Paths.RegistryDB) == "" {
		c.Paths.RegistryDB = defaultRegistryDB
	}
	if c.Paths.RegistryDB, err = expandPath(c.Paths.RegistryDB); err != nil {
		return fmt.Errorf("paths.registry_db: %w", err)
	}
	if strings.TrimSpace(c.Paths.IntelligenceDB) == "" {
		c.Paths.IntelligenceDB = defaultIntelligenceDB
	}
	if c.Paths.IntelligenceDB, err = expandPath(c.Paths.IntelligenceDB); err != nil {
		return fmt.Errorf("paths.intelligence_db: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeScanner() {
	if c.Scanner.CPUWorkers <= 0 {
		c.Scanner.CPUWorkers = defaultCPUWorkers
	}
	if c.Scanner.InFlightFactor <= 0 {
		c.Scanner.InFlightFactor = defaultInFlightFactor
	}
	if c.Scanner.CommitBlock <= 0 {
		c.Scanner.CommitBlock = defaultCommitBlock
	}
	if c.Scanner.ProgressEvery <= 0 {
		c.Scanner.ProgressEvery = defaultProgressEvery
	}
	if c.Scanner.AdmissionPollMS <= 0 {
		c.Scanner.AdmissionPollMS = defaultAdmissionPollMS
	}
}

func (c *Config) normalizeReasoner() {
	if c.Reasoner.BatchSize <= 0 {
		c.Reasoner.BatchSize = defaultBatchSize
	}
	if c.Reasoner.MaxFilesPerCycle <= 0 {
		c.Reasoner.MaxFilesPerCycle = c.Reasoner.BatchSize
	}
	if c.Reasoner.LLMChunkSize <= 0 {
		c.Reasoner.LLMChunkSize = defaultLLMChunkSize
	}
	if c.Reasoner.WindowChars <= 0 {
		c.Reasoner.WindowChars = defaultWindowChars
	}
	if c.Reasoner.WindowOverlap < 0 {
		c.Reasoner.WindowOverlap = 0
	}
	if c.Reasoner.MinExtensionlessBytes < 0 {
		c.Reasoner.MinExtensionlessBytes = 0
	}
	if c.Reasoner.RetryPasses < 0 {
		c.Reasoner.RetryPasses = 0
	}
}

func (c *Config) normalizeInference() {
	c.Inference.BaseURL = strings.TrimSpace(c.Inference.BaseURL)
	if c.Inference.BaseURL == "" {
		c.Inference.BaseURL = defaultInferenceBaseURL
	}
	c.Inference.Model = strings.TrimSpace(c.Inference.Model)
	if c.Inference.Model == "" {
		c.Inference.Model = defaultInferenceModel
	}
	c.Inference.APIKey = strings.TrimSpace(c.Inference.APIKey)
	if c.Inference.APIKey == "" {
		if value, ok := os.LookupEnv("STEINLINE_INFERENCE_API_KEY"); ok {
			c.Inference.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
			c.Inference.APIKey = strings.TrimSpace(value)
		}
	}
	if c.Inference.ContextWindow <= 0 {
		c.Inference.ContextWindow = defaultContextWindow
	}
	if c.Inference.ReducedContextWindow <= 0 {
		c.Inference.ReducedContextWindow = defaultReducedContextWindow
	}
	if c.Inference.MaxTokens <= 0 {
		c.Inference.MaxTokens = defaultMaxTokens
	}
	if c.Inference.TimeoutSeconds <= 0 {
		c.Inference.TimeoutSeconds = defaultInferenceTimeout
	}
}

func (c *Config) normalizeExtraction() error {
	c.Extraction.PDFTextCommand = strings.TrimSpace(c.Extraction.PDFTextCommand)
	c.Extraction.PDFRasterCommand = strings.TrimSpace(c.Extraction.PDFRasterCommand)
	c.Extraction.OCRCommand = strings.TrimSpace(c.Extraction.OCRCommand)
	c.Extraction.TranscribeCommand = strings.TrimSpace(c.Extraction.TranscribeCommand)
	if c.Extraction.MinPDFTextChars <= 0 {
		c.Extraction.MinPDFTextChars = defaultMinPDFTextChars
	}
	if c.Extraction.CommandTimeoutSeconds <= 0 {
		c.Extraction.CommandTimeoutSeconds = defaultCommandTimeout
	}
	if c.Extraction.CacheTTLMinutes < 0 {
		c.Extraction.CacheTTLMinutes = 0
	}
	c.Extraction.MaxFileSize = strings.TrimSpace(c.Extraction.MaxFileSize)
	if c.Extraction.MaxFileSize == "" {
		c.Extraction.MaxFileSize = defaultMaxFileSize
	}
	size, err := humanize.ParseBytes(c.Extraction.MaxFileSize)
	if err != nil {
		return fmt.Errorf("extraction.max_file_size: %w", err)
	}
	c.Extraction.MaxFileBytes = int64(size)
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
