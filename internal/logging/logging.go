// Package logging configures the process-wide slog logger: tint output on
// stderr, wrapped so contexts can carry attributes.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/term"
)

// Options configures Setup.
type Options struct {
	Level slog.Level
	// Color forces colored output. Nil detects a terminal on the writer.
	Color *bool
}

// Setup installs the default logger writing to w and returns ctx carrying it.
func Setup(ctx context.Context, w io.Writer, opts Options) context.Context {
	color := IsTerminal(w)
	if opts.Color != nil {
		color = *opts.Color
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.TimeOnly,
		NoColor:    !color,
	})
	ctxHandler := slogctx.NewHandler(handler, &slogctx.HandlerOptions{})

	logger := slog.New(ctxHandler)
	slog.SetDefault(logger)
	ForwardLogrus(opts.Level)

	return slogctx.NewCtx(ctx, logger)
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ParseLevel maps debug, info, warn and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.Errorf("unknown log level %q", s)
	}
}
