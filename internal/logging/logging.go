// Package logging builds the slog.Logger used by the mailq daemon.
//
// Records go to a JSON or text handler. When a Sentry DSN is configured
// they are also fanned out to a sentry-go handler, so error-level records
// become Sentry issues and warnings are kept as Sentry logs.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
)

// flushTimeout bounds how long Close waits for buffered Sentry events.
const flushTimeout = 2 * time.Second

// Config describes the logger.
type Config struct {
	// Format is "json" (default) or "text".
	Format string
	// Level is a slog level name: debug, info, warn or error.
	Level string
	// Output defaults to os.Stderr.
	Output io.Writer

	Sentry SentryConfig
}

// SentryConfig enables Sentry reporting when DSN is set.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	// MinLevel is the lowest level kept as a Sentry log. Errors always
	// create issues.
	MinLevel string
}

// New returns a logger and a close func that flushes pending Sentry events.
// Extractors add request-scoped attributes to every record.
func New(cfg Config, extractors ...ContextExtractor) (*slog.Logger, func(), error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	hopts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		base = slog.NewJSONHandler(out, hopts)
	case "text":
		base = slog.NewTextHandler(out, hopts)
	default:
		return nil, nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	if cfg.Sentry.DSN == "" {
		return slog.New(NewDecorator(base, extractors...)), func() {}, nil
	}

	sentryHandler, err := newSentryHandler(cfg.Sentry)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(NewDecorator(newMultiHandler(base, sentryHandler), extractors...))
	return logger, func() { sentry.Flush(flushTimeout) }, nil
}

func newSentryHandler(cfg SentryConfig) (slog.Handler, error) {
	minLevel := slog.LevelWarn
	if cfg.MinLevel != "" {
		l, err := ParseLevel(cfg.MinLevel)
		if err != nil {
			return nil, err
		}
		minLevel = l
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		EnableLogs:  true,
	}); err != nil {
		return nil, fmt.Errorf("logging: sentry init: %w", err)
	}

	var logLevels []slog.Level
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if l >= minLevel {
			logLevels = append(logLevels, l)
		}
	}

	return sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   logLevels,
	}.NewSentryHandler(context.Background()), nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
	return l, nil
}
