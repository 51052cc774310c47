package logging

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var logrusOnce sync.Once

// ForwardLogrus silences logrus and replays its entries through slog. The
// user-mode network stack logs with logrus.
func ForwardLogrus(level slog.Level) {
	logrusOnce.Do(func() {
		logrus.AddHook(&slogBridgeHook{})
		logrus.SetOutput(io.Discard)
	})
	logrus.SetLevel(logrusLevel(level))
}

func logrusLevel(level slog.Level) logrus.Level {
	switch {
	case level <= slog.LevelDebug:
		return logrus.DebugLevel
	case level <= slog.LevelInfo:
		return logrus.InfoLevel
	case level <= slog.LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

var _ logrus.Hook = (*slogBridgeHook)(nil)

type slogBridgeHook struct{}

func (h *slogBridgeHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *slogBridgeHook) Fire(entry *logrus.Entry) error {
	var level slog.Level
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		level = slog.LevelError
	case logrus.WarnLevel:
		level = slog.LevelWarn
	case logrus.DebugLevel, logrus.TraceLevel:
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}

	attrs := make([]slog.Attr, 0, len(entry.Data)+1)
	for k, v := range entry.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	slices.SortFunc(attrs, func(a, b slog.Attr) int {
		return strings.Compare(a.Key, b.Key)
	})
	attrs = append(attrs, slog.String("source", "logrus"))

	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}

	handler := slog.Default().Handler()
	if !handler.Enabled(ctx, level) {
		return nil
	}
	record := slog.NewRecord(entry.Time, level, entry.Message, 0)
	record.AddAttrs(attrs...)
	return handler.Handle(ctx, record)
}
