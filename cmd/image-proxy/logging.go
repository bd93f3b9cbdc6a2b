package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ironsheep/image-proxy/internal/config"
)

// configureLogger installs the default slog logger. The --log-level flag
// wins over the configured level, which already includes
// IMAGE_PROXY_LOG_LEVEL.
func configureLogger(flagLevel string, logCfg config.LogConfig) error {
	raw, source := selectedLogLevel(flagLevel, logCfg.Level)
	level, err := config.ParseLogLevel(raw)
	if err != nil {
		if source == "flag" {
			return fmt.Errorf("invalid --log-level %q", flagLevel)
		}
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, level, logCfg.Format))
	return nil
}

func selectedLogLevel(flagLevel, configLevel string) (string, string) {
	if strings.TrimSpace(flagLevel) != "" {
		return flagLevel, "flag"
	}
	if strings.TrimSpace(configLevel) != "" {
		return configLevel, "config"
	}
	return "", "default"
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
