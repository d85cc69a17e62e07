package csync

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newAppLogger builds the one *slog.Logger an App owns for its lifetime,
// following the teacher's logger construction (level/format/output wiring,
// lumberjack rotation for file output) but with no package-level default: a
// second App in the same process gets its own independent sink.
func newAppLogger(cfg LogConfig) *slog.Logger {
	level := parseLevel(cfg.Level)
	writer := setupWriter(cfg)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupWriter(cfg LogConfig) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.Filename == "" {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}

// channelLogger returns a logger scoped to one debug channel. When the
// channel is not in the configured DebugChannels list, Debug calls made
// through it are dropped; info/warn/error still flow through. Debug records
// of an enabled channel are still subject to the base logger's level.
type channelLogger struct {
	logger  *slog.Logger
	enabled bool
}

func newChannelLogger(base *slog.Logger, component, channel string, enabled bool) channelLogger {
	return channelLogger{
		logger:  base.With("component", component, "channel", channel),
		enabled: enabled,
	}
}

func (c channelLogger) Debug(msg string, args ...any) {
	if c.enabled {
		c.logger.Debug(msg, args...)
	}
}

func (c channelLogger) Info(msg string, args ...any)  { c.logger.Info(msg, args...) }
func (c channelLogger) Warn(msg string, args ...any)  { c.logger.Warn(msg, args...) }
func (c channelLogger) Error(msg string, args ...any) { c.logger.Error(msg, args...) }
