// Package logging builds the structured zap loggers used by the relay
// binaries.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the log severity level.
type Level string

// Available log levels
const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config represents the logging configuration.
type Config struct {
	Level       Level
	Development bool
	OutputPaths []string
	// InitialFields are attached to every entry, e.g. the binary name.
	InitialFields map[string]interface{}
}

// DefaultConfig returns the production configuration writing JSON to stdout.
func DefaultConfig() Config {
	return Config{
		Level:       InfoLevel,
		OutputPaths: []string{"stdout"},
	}
}

// ParseLevel maps a textual level onto a Level, falling back to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case DebugLevel:
		return DebugLevel
	case WarnLevel:
		return WarnLevel
	case ErrorLevel:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a new logger with the given configuration.
func New(config Config) (*zap.Logger, error) {
	outputs := config.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	encoding := "json"
	if config.Development {
		encoding = "console"
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(config.Level.zapLevel()),
		Development:       config.Development,
		DisableCaller:     !config.Development,
		DisableStacktrace: !config.Development,
		Encoding:          encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	if len(config.InitialFields) > 0 {
		zapConfig.InitialFields = make(map[string]interface{}, len(config.InitialFields))
		for k, v := range config.InitialFields {
			zapConfig.InitialFields[k] = v
		}
	}

	return zapConfig.Build()
}
