package csync

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// LogConfig controls the per-App structured logging sink, built the way the
// teacher's pkg/logger builds one.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	Output     string `mapstructure:"output" validate:"omitempty,oneof=stdout stderr file"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	// DebugChannels names the subsystems whose debug logging is let through:
	// any of "facade", "transport", "operation", "response". Only the
	// "transport" channel is wired to a logger, and no component emits
	// debug records, so the selection does not change the log output; only
	// info/warn/error logging is produced.
	DebugChannels []string `mapstructure:"debug_channels"`
}

// MetricsConfig controls the optional Prometheus metrics registry.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Options collects every tunable of an App, validated before Connect dials
// anything.
type Options struct {
	Host        string `mapstructure:"host" validate:"required"`
	Port        int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	UseSSL      bool   `mapstructure:"use_ssl"`
	AuthProvider string `mapstructure:"auth_provider"`
	Token       string `mapstructure:"token"`

	// OperationTimeout bounds how long an Operation waits for a response
	// before it is idempotently resent.
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"omitempty,min=0"`
	// AdvanceDelay paces the advance/fetch loop between rounds for an idle
	// pattern.
	AdvanceDelay time.Duration `mapstructure:"advance_delay" validate:"omitempty,min=0"`
	// MatchCacheSize bounds the LRU accelerator in front of pattern matching.
	// 0 is replaced by the default (4096) in withDefaults, so the cache
	// cannot be disabled through Options.
	MatchCacheSize int `mapstructure:"match_cache_size" validate:"omitempty,min=0"`
	// DeliveryWorkers bounds the worker pool used to dispatch listener
	// callbacks, breaking reentrancy into scheduler state.
	DeliveryWorkers int `mapstructure:"delivery_workers" validate:"omitempty,min=1"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// DefaultOptions returns an Options populated with the production defaults
// named throughout the spec.
func DefaultOptions() Options {
	return Options{
		Port:             80,
		OperationTimeout: 60 * time.Second,
		AdvanceDelay:     5 * time.Second,
		MatchCacheSize:   4096,
		DeliveryWorkers:  16,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OperationTimeout == 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.AdvanceDelay == 0 {
		o.AdvanceDelay = d.AdvanceDelay
	}
	if o.MatchCacheSize == 0 {
		o.MatchCacheSize = d.MatchCacheSize
	}
	if o.DeliveryWorkers == 0 {
		o.DeliveryWorkers = d.DeliveryWorkers
	}
	if o.Log.Level == "" {
		o.Log.Level = d.Log.Level
	}
	if o.Log.Format == "" {
		o.Log.Format = d.Log.Format
	}
	if o.Log.Output == "" {
		o.Log.Output = d.Log.Output
	}
	return o
}

var optionsValidator = validator.New()

// Validate checks Options against its struct tags, returning an
// InvalidRequest *Error on the first violation.
func (o Options) Validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return NewError(CodeInvalidRequest, "invalid options").WithCause(err)
	}
	return nil
}

// debugEnabled reports whether channel ("facade", "transport", "operation",
// "response") is in the configured DebugChannels list.
func (o Options) debugEnabled(channel string) bool {
	for _, c := range o.Log.DebugChannels {
		if c == channel {
			return true
		}
	}
	return false
}

// LoadOptionsFromEnv loads Options from environment variables prefixed
// CSYNC_ (e.g. CSYNC_HOST, CSYNC_PORT, CSYNC_LOG_LEVEL), layered over
// DefaultOptions. It never dials anything; callers still call Connect.
func LoadOptionsFromEnv() (Options, error) {
	v := viper.New()
	v.SetEnvPrefix("csync")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return decodeOptions(v)
}

// LoadOptionsFile loads Options from a YAML configuration file, layered over
// DefaultOptions and environment variables.
func LoadOptionsFile(path string) (Options, error) {
	v := viper.New()
	v.SetEnvPrefix("csync")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Options{}, NewError(CodeInvalidRequest, "failed to read options file").WithCause(err)
	}
	return decodeOptions(v)
}

func decodeOptions(v *viper.Viper) (Options, error) {
	// Unmarshal only sees keys viper already knows, so every Options field is
	// bound to its CSYNC_ environment variable explicitly.
	for _, k := range []string{
		"host", "port", "use_ssl", "auth_provider", "token",
		"operation_timeout", "advance_delay", "match_cache_size", "delivery_workers",
		"log.level", "log.format", "log.output", "log.filename", "log.max_size",
		"log.max_backups", "log.max_age", "log.compress", "log.debug_channels",
		"metrics.enabled",
	} {
		_ = v.BindEnv(k)
	}
	opts := DefaultOptions()
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, NewError(CodeInvalidRequest, "failed to decode options").WithCause(err)
	}
	opts = opts.withDefaults()
	return opts, nil
}
