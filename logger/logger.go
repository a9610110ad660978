// Package logger builds the application zap logger from config.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"noverterm/config"
)

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// ParseLevel maps a config level name to a zap level; unknown names are info.
func ParseLevel(name string) zapcore.Level {
	switch name {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger for cfg. The returned close func flushes the logger and
// releases the log file, if any.
func New(cfg config.LogConfig) (*zap.Logger, func() error, error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		CallerKey:        "caller",
		MessageKey:       "msg",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       timeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}

	var encoder zapcore.Encoder
	if cfg.Format == config.LogFormatJSON {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		if cfg.Output != config.LogOutputFile {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var (
		sink    zapcore.WriteSyncer
		logFile *os.File
	)
	switch cfg.Output {
	case config.LogOutputStdout:
		sink = zapcore.Lock(os.Stdout)
	case config.LogOutputFile:
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log output %q requires file_path", cfg.Output)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = file
		sink = zapcore.AddSync(file)
	default:
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(encoder, sink, ParseLevel(cfg.Level))
	log := zap.New(core, zap.AddCaller())

	closeFn := func() error {
		// Only file sinks report sync errors.
		syncErr := log.Sync()
		if logFile == nil {
			return nil
		}
		if err := logFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		if syncErr != nil {
			return fmt.Errorf("sync log file: %w", syncErr)
		}
		return nil
	}

	return log, closeFn, nil
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
