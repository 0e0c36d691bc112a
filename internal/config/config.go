package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FLEET_LOG_LEVEL.
const EnvPrefix = "FLEET"

// Recovery policy names.
const (
	PolicyAlways  = "always"
	PolicyBounded = "bounded"
	PolicyExpr    = "expr"
)

// Config holds supervisor configuration.
type Config struct {
	Workers  int            `mapstructure:"workers"`
	Log      LogConfig      `mapstructure:"log"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Spawn    SpawnConfig    `mapstructure:"spawn"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
	IPC      IPCConfig      `mapstructure:"ipc"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RecoveryConfig struct {
	Policy      string `mapstructure:"policy"`
	MaxRestarts int    `mapstructure:"max_restarts"`
	Expr        string `mapstructure:"expr"`
}

type SpawnConfig struct {
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type IPCConfig struct {
	MailboxSize int `mapstructure:"mailbox_size"`
}

// WorkerConfig selects the binary re-executed for every worker. An empty
// Command means the running executable.
type WorkerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// Load reads configuration from, in increasing precedence: built-in defaults,
// the YAML file at path (skipped when path is empty) and FLEET_* environment
// variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("recovery.policy", PolicyAlways)
	v.SetDefault("recovery.max_restarts", 5)
	v.SetDefault("recovery.expr", "")

	v.SetDefault("spawn.retries", 0)
	v.SetDefault("spawn.retry_delay", "1s")

	v.SetDefault("shutdown.timeout", "10s")

	v.SetDefault("ipc.mailbox_size", 1024)

	v.SetDefault("worker.command", "")
	v.SetDefault("worker.args", []string{"_worker"})
}

// Validate rejects settings the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Recovery.Policy {
	case PolicyAlways:
	case PolicyBounded:
		if c.Recovery.MaxRestarts < 0 {
			errs = append(errs, fmt.Errorf("recovery.max_restarts must be >= 0, got %d", c.Recovery.MaxRestarts))
		}
	case PolicyExpr:
		if strings.TrimSpace(c.Recovery.Expr) == "" {
			errs = append(errs, errors.New("recovery.expr is required for the expr policy"))
		} else if _, err := govaluate.NewEvaluableExpression(c.Recovery.Expr); err != nil {
			errs = append(errs, fmt.Errorf("recovery.expr: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown recovery.policy %q", c.Recovery.Policy))
	}
	switch c.Log.Format {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.Spawn.Retries < 0 {
		errs = append(errs, fmt.Errorf("spawn.retries must be >= 0, got %d", c.Spawn.Retries))
	}
	if c.Spawn.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("spawn.retry_delay must be >= 0, got %s", c.Spawn.RetryDelay))
	}
	if c.Shutdown.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown.timeout must be > 0, got %s", c.Shutdown.Timeout))
	}
	if c.IPC.MailboxSize <= 0 {
		errs = append(errs, fmt.Errorf("ipc.mailbox_size must be > 0, got %d", c.IPC.MailboxSize))
	}
	return errors.Join(errs...)
}
