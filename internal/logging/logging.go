// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config selects the logger's level, format and destination.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// New returns a logrus logger writing to cfg.Output (stderr by default) so
// that stdout stays free for progress and summaries.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	level := cfg.Level
	if level == "" {
		level = "warn"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q (want %s or %s)", cfg.Format, FormatText, FormatJSON)
	}

	return logger, nil
}
