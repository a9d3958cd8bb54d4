package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateScanner(); err != nil {
		return err
	}
	if err := c.validateReasoner(); err != nil {
		return err
	}
	if err := c.validateInference(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.RegistryDB) == "" {
		return errors.New("paths.registry_db must be set")
	}
	if strings.TrimSpace(c.Paths.IntelligenceDB) == "" {
		return errors.New("paths.intelligence_db must be set")
	}
	return nil
}

func (c *Config) validateScanner() error {
	if c.Scanner.RAMLimitGB < 0 {
		return errors.New("scanner.ram_limit_gb must be zero (disabled) or positive")
	}
	return nil
}

func (c *Config) validateReasoner() error {
	if c.Reasoner.WindowOverlap >= c.Reasoner.WindowChars {
		return fmt.Errorf("reasoner.window_overlap (%d) must be smaller than reasoner.window_chars (%d)",
			c.Reasoner.WindowOverlap, c.Reasoner.WindowChars)
	}
	return nil
}

func (c *Config) validateInference() error {
	if c.Inference.VRAMAllocation <= 0 || c.Inference.VRAMAllocation > 1 {
		return errors.New("inference.vram_allocation must be in (0, 1]")
	}
	if c.Inference.Temperature < 0 {
		return errors.New("inference.temperature must be non-negative")
	}
	if c.Inference.RequestsPerSecond < 0 {
		return errors.New("inference.requests_per_second must be zero (unlimited) or positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
