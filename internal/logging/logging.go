// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Level is a zap level name; empty means info.
	Level string
	// File enables rotated file output instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a production JSON logger. Callers own Sync.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	return zap.New(
		zapcore.NewCore(newEncoder(), zapcore.AddSync(writer(opts)), zap.NewAtomicLevelAt(level)),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

func ParseLevel(value string) (zapcore.Level, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(value)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", value, err)
	}
	return level, nil
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func writer(opts Options) io.Writer {
	if strings.TrimSpace(opts.File) == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    defaultInt(opts.MaxSizeMB, 15),
		MaxBackups: defaultInt(opts.MaxBackups, 3),
		MaxAge:     defaultInt(opts.MaxAgeDays, 28),
		Compress:   true,
	}
}

func defaultInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
