package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/observability"
)

const defaultConfigName = "conductor.yaml"

// resolveConfigPath picks the configuration file from the flag, then
// CONDUCTOR_CONFIG, then the default name. The second result reports
// whether the path was chosen explicitly.
func resolveConfigPath() (string, bool) {
	if path := strings.TrimSpace(configPath); path != "" {
		return path, true
	}
	if path := strings.TrimSpace(os.Getenv("CONDUCTOR_CONFIG")); path != "" {
		return path, true
	}
	return defaultConfigName, false
}

// loadConfig loads the configuration. A missing default file yields the
// built-in defaults rooted at the working directory.
func loadConfig() (*config.Config, string, error) {
	path, explicit := resolveConfigPath()
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, path, nil
	case !explicit && errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		cfg.Workspace.Roots = []string{wd}
		slog.Debug("no config file, using defaults", "path", path)
		return cfg, "", nil
	default:
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
}

// setupLogging installs the default logger from the command-line flags.
func setupLogging(w io.Writer) {
	slog.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  firstNonEmpty(logLevel, os.Getenv("CONDUCTOR_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(logFormat, "text"),
		Output: w,
	}))
}

// applyLogging reinstalls the default logger once the config is known.
// Flags still win over the file.
func applyLogging(cfg *config.Config, w io.Writer) *slog.Logger {
	logger := observability.NewLogger(observability.LogConfig{
		Level:          firstNonEmpty(logLevel, os.Getenv("CONDUCTOR_LOG_LEVEL"), cfg.Logging.Level),
		Format:         firstNonEmpty(logFormat, cfg.Logging.Format),
		Output:         w,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)
	return logger
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
