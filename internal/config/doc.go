// Package config loads, normalizes, and validates steinline configuration.
//
// Configuration lives in a TOML file (default ~/.config/steinline/config.toml,
// falling back to ./steinline.toml). Load applies repository defaults, expands
// paths, pulls the inference API key from the environment when absent, and
// validates numeric ranges before handing a *Config to the stages.
package config
