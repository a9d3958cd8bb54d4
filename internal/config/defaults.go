package config

const (
	defaultProjectName          = "steinline"
	defaultRegistryDB           = "~/.local/share/steinline/working_node.db"
	defaultIntelligenceDB       = "~/.local/share/steinline/stein_intelligence.db"
	defaultLogDir               = "~/.local/share/steinline/logs"
	defaultCPUWorkers           = 4
	defaultInFlightFactor       = 4
	defaultCommitBlock          = 500
	defaultProgressEvery        = 50
	defaultAdmissionPollMS      = 250
	defaultBatchSize            = 24
	defaultMaxFilesPerCycle     = 24
	defaultLLMChunkSize         = 8
	defaultWindowChars          = 20000
	defaultWindowOverlap        = 2000
	defaultMinExtensionless     = 1024
	defaultRetryPasses          = 1
	defaultInferenceBaseURL     = "http://127.0.0.1:8000/v1"
	defaultInferenceModel       = "Qwen/Qwen2.5-7B-Instruct-AWQ"
	defaultVRAMAllocation       = 0.85
	defaultContextWindow        = 16384
	defaultReducedContextWindow = 8192
	defaultMaxTokens            = 2000
	defaultRepetitionPenalty    = 1.1
	defaultInferenceTimeout     = 300
	defaultPDFTextCommand       = "pdftotext"
	defaultPDFRasterCommand     = "pdftoppm"
	defaultOCRCommand           = "tesseract"
	defaultTranscribeCommand    = "whisper"
	defaultMinPDFTextChars      = 100
	defaultMaxFileSize          = "2 GiB"
	defaultCacheTTLMinutes      = 30
	defaultCommandTimeout       = 600
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Project: Project{Name: defaultProjectName},
		Paths: Paths{
			RegistryDB:     defaultRegistryDB,
			IntelligenceDB: defaultIntelligenceDB,
			LogDir:         defaultLogDir,
		},
		Scanner: Scanner{
			CPUWorkers:      defaultCPUWorkers,
			InFlightFactor:  defaultInFlightFactor,
			CommitBlock:     defaultCommitBlock,
			ProgressEvery:   defaultProgressEvery,
			AdmissionPollMS: defaultAdmissionPollMS,
		},
		Reasoner: Reasoner{
			BatchSize:             defaultBatchSize,
			MaxFilesPerCycle:      defaultMaxFilesPerCycle,
			LLMChunkSize:          defaultLLMChunkSize,
			WindowChars:           defaultWindowChars,
			WindowOverlap:         defaultWindowOverlap,
			MinExtensionlessBytes: defaultMinExtensionless,
			RetryPasses:           defaultRetryPasses,
		},
		Inference: Inference{
			BaseURL:              defaultInferenceBaseURL,
			Model:                defaultInferenceModel,
			VRAMAllocation:       defaultVRAMAllocation,
			ContextWindow:        defaultContextWindow,
			ReducedContextWindow: defaultReducedContextWindow,
			MaxTokens:            defaultMaxTokens,
			RepetitionPenalty:    defaultRepetitionPenalty,
			TimeoutSeconds:       defaultInferenceTimeout,
		},
		Extraction: Extraction{
			PDFTextCommand:        defaultPDFTextCommand,
			PDFRasterCommand:      defaultPDFRasterCommand,
			OCRCommand:            defaultOCRCommand,
			TranscribeCommand:     defaultTranscribeCommand,
			MinPDFTextChars:       defaultMinPDFTextChars,
			MaxFileSize:           defaultMaxFileSize,
			CacheTTLMinutes:       defaultCacheTTLMinutes,
			CommandTimeoutSeconds: defaultCommandTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
