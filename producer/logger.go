package producer

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/viper"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

func ErrAttr(err error) slog.Attr {
	return slog.Any("error", err)
}

// fanoutHandler sends every record to all wrapped handlers: pretty console
// output for operators, JSON on disk for machines.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: out}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: out}
}

// NewLogger creates the process logger: tinted console plus a rotated JSON
// file under logpath. The supervisor attaches the sensor identity once it
// has loaded it.
func NewLogger(v *viper.Viper) *slog.Logger {
	level := slog.LevelInfo
	if v.GetBool("debug") {
		level = slog.LevelDebug
	}

	file := &lumberjack.Logger{
		Filename: v.GetString("logpath"),
		MaxSize:  200, // megabytes
		MaxAge:   356, // days
		Compress: true,
	}
	handler := &fanoutHandler{handlers: []slog.Handler{
		tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	}}
	return slog.New(handler)
}
