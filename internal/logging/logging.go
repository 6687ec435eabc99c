// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/open-verix/secsign/internal/config"
)

// Setup replaces the global logger according to cfg. Output goes to w, or
// stderr when w is nil, so command output on stdout stays parseable.
func Setup(cfg config.LoggingConfig, w io.Writer) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", cfg.Level)
	}
	if cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}

	switch cfg.Format {
	case "", "text":
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    true,
			PartsExclude: func() []string {
				if cfg.Timestamps {
					return nil
				}
				return []string{zerolog.TimestampFieldName}
			}(),
		}
	case "json":
	default:
		return errors.Errorf("unknown log format %q", cfg.Format)
	}

	ctx := zerolog.New(w).Level(level).With()
	if cfg.Timestamps {
		ctx = ctx.Timestamp()
	}
	log.Logger = ctx.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}
