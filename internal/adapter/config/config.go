package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"camgate/internal/domain"
)

// Config holds the full runtime configuration. Values come from an optional
// YAML file overlaid with CAMGATE_* environment variables.
type Config struct {
	ListenAddress string `mapstructure:"listen_address"`
	SocketPath    string `mapstructure:"socket_path"`
	SocketMode    string `mapstructure:"socket_mode"`
	PoolSize      int    `mapstructure:"pool_size"`

	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	StartupTimeout      time.Duration `mapstructure:"startup_timeout"`
	ReloadGracePeriod   time.Duration `mapstructure:"reload_grace_period"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`

	Worker struct {
		Command string   `mapstructure:"command"`
		Args    []string `mapstructure:"args"`
		Dir     string   `mapstructure:"dir"`
		Env     []string `mapstructure:"env"`
	} `mapstructure:"worker"`

	Restart struct {
		Mode            string          `mapstructure:"mode"`
		Backoff         []time.Duration `mapstructure:"backoff"`
		MaxPerWindow    int             `mapstructure:"max_per_window"`
		Window          time.Duration   `mapstructure:"window"`
		StabilityWindow time.Duration   `mapstructure:"stability_window"`
	} `mapstructure:"restart"`
}

// Load reads configuration from the given file (optional when empty) and
// the environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_address", ":8080")
	v.SetDefault("socket_path", "/tmp/camgate.sock")
	v.SetDefault("socket_mode", "0660")
	v.SetDefault("pool_size", 2)
	v.SetDefault("idle_timeout", time.Minute)
	v.SetDefault("startup_timeout", 10*time.Second)
	v.SetDefault("reload_grace_period", 10*time.Second)
	v.SetDefault("shutdown_grace_period", 10*time.Second)
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.dir", "")
	v.SetDefault("worker.env", []string{})
	v.SetDefault("restart.mode", string(domain.RestartAlways))
	v.SetDefault("restart.backoff", []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second})
	v.SetDefault("restart.max_per_window", 5)
	v.SetDefault("restart.window", time.Minute)
	v.SetDefault("restart.stability_window", 30*time.Second)

	v.SetEnvPrefix("CAMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command is required (set CAMGATE_WORKER_COMMAND or the config file)")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	if _, err := c.SocketFileMode(); err != nil {
		return err
	}
	switch domain.RestartMode(c.Restart.Mode) {
	case domain.RestartAlways, domain.RestartOnFailure, domain.RestartNever:
	default:
		return fmt.Errorf("restart.mode must be always, on-failure, or never, got %q", c.Restart.Mode)
	}
	if len(c.Restart.Backoff) == 0 {
		return fmt.Errorf("restart.backoff must have at least one entry")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	return nil
}

// SocketFileMode parses the configured octal socket mode.
func (c *Config) SocketFileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil || mode > 0777 {
		return 0, fmt.Errorf("socket_mode must be an octal permission like 0660, got %q", c.SocketMode)
	}
	return os.FileMode(mode), nil
}

// CtlSocketPath returns the control socket path derived from the endpoint path.
func (c *Config) CtlSocketPath() string {
	return c.SocketPath + ".ctl"
}

// RestartPolicy converts the restart section into the domain policy.
func (c *Config) RestartPolicy() domain.RestartPolicy {
	return domain.RestartPolicy{
		Mode:            domain.RestartMode(c.Restart.Mode),
		Backoff:         c.Restart.Backoff,
		MaxPerWindow:    c.Restart.MaxPerWindow,
		Window:          c.Restart.Window,
		StabilityWindow: c.Restart.StabilityWindow,
	}
}

// WorkerSpecs builds one spec per pool slot from the worker section.
func (c *Config) WorkerSpecs() []domain.WorkerSpec {
	specs := make([]domain.WorkerSpec, c.PoolSize)
	for i := range specs {
		specs[i] = domain.WorkerSpec{
			Slot:    i,
			Command: c.Worker.Command,
			Args:    append([]string(nil), c.Worker.Args...),
			Dir:     c.Worker.Dir,
			Env:     append([]string(nil), c.Worker.Env...),
		}
	}
	return specs
}
