// Package logging builds the zap logger FIPS uses everywhere: a console
// core always on, plus an optional rotated file core.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction. Zero value is console-only, info level.
type Config struct {
	Level    string // debug|info|warn|error, default info
	JSON     bool   // console format: JSON instead of human-readable
	FilePath string // optional rotated log file; empty disables file output

	FileMaxSizeMB  int // default 100
	FileMaxBackups int // default 3
	FileMaxAgeDays int // default 28
	FileCompress   bool
}

// New builds a logger from cfg. Console output is always enabled; file
// output is added when cfg.FilePath is non-empty.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder(cfg.JSON), zapcore.Lock(os.Stdout), level),
	}

	if cfg.FilePath != "" {
		cores = append(cores, zapcore.NewCore(fileEncoder(), fileWriter(cfg), level))
	}

	var core zapcore.Core
	if len(cores) == 1 {
		core = cores[0]
	} else {
		core = zapcore.NewTee(cores...)
	}

	return zap.New(core), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func consoleEncoder(asJSON bool) zapcore.Encoder {
	if asJSON {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func fileEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func fileWriter(cfg Config) zapcore.WriteSyncer {
	maxSize := cfg.FileMaxSizeMB
	if maxSize == 0 {
		maxSize = 100
	}
	maxBackups := cfg.FileMaxBackups
	if maxBackups == 0 {
		maxBackups = 3
	}
	maxAge := cfg.FileMaxAgeDays
	if maxAge == 0 {
		maxAge = 28
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   cfg.FileCompress,
	})
}

// NewDefault creates an info-level, console-only logger for use before
// configuration has been loaded.
func NewDefault() *zap.Logger {
	logger, err := New(Config{Level: "info"})
	if err != nil {
		// Console-only construction cannot fail; guard against future changes.
		panic(fmt.Sprintf("logging: default logger construction failed: %v", err))
	}
	return logger
}
