// Package config loads service configuration from a YAML file plus
// environment overrides, with hot reload of the safety policy section.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/liamcoop/sentinel/internal/logger"
	"github.com/liamcoop/sentinel/rules"
	"github.com/liamcoop/sentinel/safety"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// URL is a PostgreSQL connection string. Empty runs the service on
	// in-memory stores.
	URL string `mapstructure:"url"`
}

type SafetyConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	RateLimitWindow     time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax        int           `mapstructure:"rate_limit_max"`
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
	DefaultSafetyLevel  string        `mapstructure:"default_safety_level"`
	// ExtraBlockedPatterns extend the built-in screening set.
	ExtraBlockedPatterns []string `mapstructure:"extra_blocked_patterns"`
	// MaxActionAmount caps amount/value/price action parameters. Zero
	// disables the check.
	MaxActionAmount float64 `mapstructure:"max_action_amount"`
}

type ConfirmationConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	AutoConfirm bool          `mapstructure:"auto_confirm"`
}

type ExecutorConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

type HistoryConfig struct {
	MemoryLimit int `mapstructure:"memory_limit"`
}

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Safety       SafetyConfig       `mapstructure:"safety"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	History      HistoryConfig      `mapstructure:"history"`
}

// Loader owns the viper instance so reloads and reads share one source.
type Loader struct {
	mu  sync.RWMutex
	v   *viper.Viper
	cfg Config
}

// Load reads configuration from path (a directory containing config.yaml)
// or defaults when no file exists. Environment variables prefixed with
// SENTINEL_ override file values (SENTINEL_SERVER_ADDR etc).
func Load(path string) (*Loader, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.Info("no config file found, using defaults")
	}

	l := &Loader{v: v}
	if err := l.unmarshal(); err != nil {
		return nil, err
	}
	return l, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("safety.confidence_threshold", 0.7)
	v.SetDefault("safety.rate_limit_window", time.Hour)
	v.SetDefault("safety.rate_limit_max", 50)
	v.SetDefault("safety.dedup_window", 5*time.Minute)
	v.SetDefault("safety.default_safety_level", "medium")
	v.SetDefault("safety.max_action_amount", 50000.0)
	v.SetDefault("confirmation.timeout", 30*time.Second)
	v.SetDefault("confirmation.auto_confirm", false)
	v.SetDefault("executor.workers", 10)
	v.SetDefault("executor.queue_size", 256)
	v.SetDefault("executor.timeout", 30*time.Second)
	v.SetDefault("executor.retry_base_delay", 100*time.Millisecond)
	v.SetDefault("executor.retry_max_delay", 30*time.Second)
	v.SetDefault("history.memory_limit", 1000)
}

func (l *Loader) unmarshal() error {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

func validate(cfg *Config) error {
	if cfg.Safety.ConfidenceThreshold < 0 || cfg.Safety.ConfidenceThreshold > 1 {
		return fmt.Errorf("safety.confidence_threshold must be in [0,1], got %v", cfg.Safety.ConfidenceThreshold)
	}
	if cfg.Safety.RateLimitMax <= 0 {
		return fmt.Errorf("safety.rate_limit_max must be positive, got %d", cfg.Safety.RateLimitMax)
	}
	switch rules.SafetyLevel(cfg.Safety.DefaultSafetyLevel) {
	case rules.SafetyLow, rules.SafetyMedium, rules.SafetyHigh:
	default:
		return fmt.Errorf("invalid safety.default_safety_level %q", cfg.Safety.DefaultSafetyLevel)
	}
	if cfg.Safety.MaxActionAmount < 0 {
		return fmt.Errorf("safety.max_action_amount must not be negative, got %v", cfg.Safety.MaxActionAmount)
	}
	for _, p := range cfg.Safety.ExtraBlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid blocked pattern %q: %w", p, err)
		}
	}
	return nil
}

// Get returns the current configuration snapshot.
func (l *Loader) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// SafetyPolicy builds a policy from the current safety section. Extra
// blocked patterns are appended to the defaults; all patterns were
// validated at load time.
func (l *Loader) SafetyPolicy() safety.Policy {
	cfg := l.Get()
	patterns := make([]string, 0, len(safety.DefaultBlockedPatterns)+len(cfg.Safety.ExtraBlockedPatterns))
	patterns = append(patterns, safety.DefaultBlockedPatterns...)
	patterns = append(patterns, cfg.Safety.ExtraBlockedPatterns...)
	return safety.Policy{
		ConfidenceThreshold: cfg.Safety.ConfidenceThreshold,
		RateLimitWindow:     cfg.Safety.RateLimitWindow,
		RateLimitMax:        cfg.Safety.RateLimitMax,
		DedupWindow:         cfg.Safety.DedupWindow,
		DefaultSafetyLevel:  rules.SafetyLevel(cfg.Safety.DefaultSafetyLevel),
		BlockedPatterns:     patterns,
		MaxActionAmount:     cfg.Safety.MaxActionAmount,
	}
}

// Watch re-reads the config file on change and invokes onReload with the
// fresh snapshot. Invalid edits are logged and skipped, keeping the last
// good configuration live.
func (l *Loader) Watch(onReload func(Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if err := l.unmarshal(); err != nil {
			logger.Error("config reload failed, keeping previous", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		if onReload != nil {
			onReload(l.Get())
		}
	})
	l.v.WatchConfig()
}
