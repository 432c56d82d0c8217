// Package logging builds the zap loggers used across the bridge.
//
// The CLI is silent unless a level is given on the command line or through
// SOMFY_RTS_LOG_LEVEL. The long running serve command logs at the configured
// level to stdout and, when a file is set, to a rolling log file.
package logging

import (
	"encoding/hex"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shaunagostinho/somfy-rts/internal/config"
)

// LogLevelEnvVar controls verbosity when no level is given explicitly.
// Valid values: "debug", "info", "warn", "error".
const LogLevelEnvVar = "SOMFY_RTS_LOG_LEVEL"

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeDuration = zapcore.MillisDurationEncoder
	return cfg
}

// New builds a logger from cfg. An empty level yields a no-op logger.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if level == "" {
		return zap.NewNop(), nil
	}

	encCfg := encoderConfig()
	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "json" {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	ws := zapcore.AddSync(os.Stdout)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		// stdout + rolling file
		ws = zapcore.NewMultiWriteSyncer(ws, zapcore.AddSync(lj))
	}

	core := zapcore.NewCore(encoder, ws, parseLevel(level))
	return zap.New(core, zap.AddCaller()), nil
}

// FromLevel builds a console logger for CLI commands. Empty level falls back
// to SOMFY_RTS_LOG_LEVEL, then to silent.
func FromLevel(level string) *zap.Logger {
	l, err := New(config.LoggingConfig{Level: level, Format: "console"})
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Wire returns fields describing raw serial traffic.
func Wire(data []byte) []zap.Field {
	return []zap.Field{
		zap.Int("length", len(data)),
		zap.String("hex", hexDump(data)),
		zap.String("ascii", asciiDump(data)),
	}
}

func hexDump(data []byte) string {
	// first 256 bytes only
	if len(data) > 256 {
		return hex.EncodeToString(data[:256]) + "..."
	}
	return hex.EncodeToString(data)
}

func asciiDump(data []byte) string {
	if len(data) > 256 {
		data = data[:256]
	}
	out := make([]byte, len(data))
	for i, b := range data {
		if b >= 32 && b <= 126 {
			out[i] = b
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
