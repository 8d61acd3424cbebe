// Package logging wraps zap with an encoder that reproduces the registry's
// historical plain-text log shape ("2026-01-05 14:24:38 INFO     message")
// so operators scraping stdout don't see a format change, while the
// underlying implementation gets zap's level filtering and structured-field
// support.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"agentmesh/internal/config"
)

// Logger is a thin façade over *zap.SugaredLogger matching the call shape
// the rest of the codebase expects (Debug/Info/Warning/Error with printf
// style args).
type Logger struct {
	sugar *zap.SugaredLogger
}

func levelFromString(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARNING":
		return zapcore.WarnLevel
	case "ERROR", "CRITICAL":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func levelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	name := strings.ToUpper(l.String())
	if l == zapcore.WarnLevel {
		name = "WARNING"
	}
	enc.AppendString(name + strings.Repeat(" ", max(0, 8-len(name))))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// New builds a Logger writing to stdout (debug/info/warning) and stderr
// (error and above).
func New(cfg *config.Config) *Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeLevel:      levelEncoder,
		ConsoleSeparator: " ",
	}

	level := levelFromString(cfg.LogLevel)
	belowError := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l < zapcore.ErrorLevel && l >= level })
	atOrAboveError := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel && l >= level })
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(zapcore.AddSync(os.Stdout)), belowError),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), atOrAboveError),
	)

	return &Logger{sugar: zap.New(core).Sugar()}
}

func (l *Logger) Debug(format string, args ...interface{})   { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})    { l.sugar.Infof(format, args...) }
func (l *Logger) Warning(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{})   { l.sugar.Errorf(format, args...) }

// With returns a child logger with structured fields attached (agent_id,
// correlation_id, and the like) for request-scoped logging.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes buffered log entries; call on shutdown.
func (l *Logger) Sync() error { return l.sugar.Sync() }
