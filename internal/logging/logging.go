// Package logging builds the zap loggers used across the service.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and outputs.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Environment "dev" switches to the console encoder.
	Environment string
	// File enables the rotating file output when non-empty. "-" disables it.
	File     string
	MaxBytes int64
	// Console mirrors logs to stdout.
	Console bool
}

// New builds a logger and returns a closer for any file it opened.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if isDev(cfg.Environment) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	var cores []zapcore.Core
	var closer io.Closer = nopCloser{}
	if cfg.Console || cfg.File == "" || cfg.File == "-" {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level))
	}
	if file := strings.TrimSpace(cfg.File); file != "" && file != "-" {
		rw, err := NewRotatingWriter(file, cfg.MaxBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		// file output never carries color codes
		fileCfg := encCfg
		fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(rw), level))
		closer = rw
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, closer, nil
}

// ParseLevel maps a config string to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func isDev(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local":
		return true
	}
	return false
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
