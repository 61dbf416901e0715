// Package config loads LMV's runtime configuration from the environment.
// Unlike the teacher's YAML file, LMV has exactly one secret-bearing input
// (the vault passphrase) and a handful of deployment knobs, so env vars —
// the convention a single-process container workload reaches for — replace
// the config file; the three-phase load/default/validate shape and the
// errors.Join multi-error reporting are kept as-is.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Config is the runtime configuration for the lmvd server.
type Config struct {
	// Passphrase unlocks the vault's snapshot and journal. Required; lmvd
	// refuses to start without it. Read from LMV_PASSPHRASE.
	Passphrase string

	// WriteToken gates mutating requests (§6 "Write gate"). When empty, the
	// write gate is open to any caller — intended for local development
	// only. Read from LMV_WRITE_TOKEN.
	WriteToken string

	// Port is the HTTP listener port. Defaults to 8787. Read from LMV_PORT,
	// falling back to PORT.
	Port int

	// DataDir is the directory holding vault.enc, ledger.jsonl.enc, and
	// meta.json. Defaults to "./data". Read from LMV_DATA_DIR, falling back
	// to DATA_DIR.
	DataDir string

	// LogLevel sets the minimum slog severity: "debug", "info", "warn", or
	// "error". Defaults to "info". Read from LMV_LOG_LEVEL.
	LogLevel string
}

// RotateConfig is the runtime configuration for the lmv-rotate tool. It is
// loaded independently of Config because the rotation tool needs both the
// current and the new passphrase and never binds an HTTP listener.
type RotateConfig struct {
	DataDir       string
	OldPassphrase string
	NewPassphrase string
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads Config from the environment, applies defaults, and validates
// it. It returns a joined error describing every validation failure found,
// not just the first.
func Load() (*Config, error) {
	cfg := &Config{
		Passphrase: os.Getenv("LMV_PASSPHRASE"),
		WriteToken: os.Getenv("LMV_WRITE_TOKEN"),
		DataDir:    firstNonEmpty(os.Getenv("LMV_DATA_DIR"), os.Getenv("DATA_DIR")),
		LogLevel:   os.Getenv("LMV_LOG_LEVEL"),
	}

	portStr := firstNonEmpty(os.Getenv("LMV_PORT"), os.Getenv("PORT"))
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: LMV_PORT/PORT %q is not a valid integer: %w", portStr, err)
		}
		cfg.Port = port
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// LoadRotate reads RotateConfig from the environment for the lmv-rotate
// tool.
func LoadRotate() (*RotateConfig, error) {
	cfg := &RotateConfig{
		DataDir:       firstNonEmpty(os.Getenv("LMV_DATA_DIR"), os.Getenv("DATA_DIR")),
		OldPassphrase: os.Getenv("LMV_PASSPHRASE"),
		NewPassphrase: os.Getenv("LMV_NEW_PASSPHRASE"),
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}

	var errs []error
	if cfg.OldPassphrase == "" {
		errs = append(errs, errors.New("LMV_PASSPHRASE is required"))
	}
	if cfg.NewPassphrase == "" {
		errs = append(errs, errors.New("LMV_NEW_PASSPHRASE is required"))
	}
	if cfg.OldPassphrase != "" && cfg.OldPassphrase == cfg.NewPassphrase {
		errs = append(errs, errors.New("LMV_NEW_PASSPHRASE must differ from LMV_PASSPHRASE"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8787
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Passphrase == "" {
		errs = append(errs, errors.New("LMV_PASSPHRASE is required"))
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d must be between 1 and 65535", cfg.Port))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
