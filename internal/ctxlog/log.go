package ctxlog

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	loggerCtxKey = new(int)
	rootLogger   = logrus.New()
)

const rfc3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

// Context returns a new child context such that FromContext(child)
// returns the given logger.
func Context(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// FromContext returns the logger attached to ctx by Context, or the
// root logger with no fields.
func FromContext(ctx context.Context) logrus.FieldLogger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerCtxKey).(logrus.FieldLogger); ok {
			return logger
		}
	}
	return rootLogger.WithFields(nil)
}

// New returns a logger writing to out with the given level and format.
func New(out io.Writer, level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Out = out
	if err := configure(logger, level, format); err != nil {
		return nil, err
	}
	return logger, nil
}

// Configure sets the level and format ("text" or "json") of the root
// logger.
func Configure(level, format string) error {
	return configure(rootLogger, level, format)
}

// Root returns the process-wide logger.
func Root() *logrus.Logger {
	return rootLogger
}

func configure(logger *logrus.Logger, level, format string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.Level = lvl
	switch format {
	case "text", "":
		logger.Formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: rfc3339NanoFixed,
		}
	case "json":
		logger.Formatter = &logrus.JSONFormatter{
			TimestampFormat: rfc3339NanoFixed,
		}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// TestLogger returns a logger that discards output, for tests that
// need a FieldLogger.
func TestLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger.WithFields(nil)
}
