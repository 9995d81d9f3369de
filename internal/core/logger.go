package core

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger. Format "json" writes one JSON object per
// line to w; anything else uses the human-readable console writer. Every
// capture writer receives the raw JSON line regardless of format.
func NewLogger(cfg LoggingConfig, w io.Writer, capture ...io.Writer) zerolog.Logger {
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	if len(capture) > 0 {
		w = zerolog.MultiLevelWriter(append([]io.Writer{w}, capture...)...)
	}
	logger := zerolog.New(w).With().Timestamp().Logger()

	switch strings.ToLower(cfg.Level) {
	case "debug":
		return logger.Level(zerolog.DebugLevel)
	case "warn":
		return logger.Level(zerolog.WarnLevel)
	case "error":
		return logger.Level(zerolog.ErrorLevel)
	default:
		return logger.Level(zerolog.InfoLevel)
	}
}
