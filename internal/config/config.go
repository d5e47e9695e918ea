// Package config parses and validates fblaster's CLI flags, grounded on
// the teacher's viper-backed defaults-then-env-vars loading style.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ConfigError represents a fatal startup configuration problem (§7 ConfigError).
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

func newConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level string `mapstructure:"log_level"`
}

// Config is the fully-resolved, validated configuration for one fblaster instance.
type Config struct {
	Images              []string          `mapstructure:"images"`
	Credentials         map[string]string `mapstructure:"-"`
	RawCredentials      []string          `mapstructure:"credentials"`
	Directory           string            `mapstructure:"directory"`
	ShutdownTimeout     time.Duration     `mapstructure:"-"`
	ShutdownTimeoutSecs int               `mapstructure:"shutdown_timeout"`
	PollInterval        time.Duration     `mapstructure:"-"`
	PollIntervalSecs    int               `mapstructure:"poll_interval"`
	Debounce            time.Duration     `mapstructure:"-"`
	DebounceSecs        int               `mapstructure:"debounce"`
	HealthCheckInterval time.Duration     `mapstructure:"-"`
	HealthCheckSecs     int               `mapstructure:"health_check_interval"`
	IllHealthTolerance  time.Duration     `mapstructure:"-"`
	IllHealthSecs       int               `mapstructure:"ill_health_tolerance"`
	Insecure            bool              `mapstructure:"insecure"`
	SignalPoll          bool              `mapstructure:"signal_poll"`
	Logging             LoggingConfig     `mapstructure:"log"`
}

// BindFlags registers every flag from spec.md §6 on cmd and binds it into viper,
// mirroring the teacher's single "--log-level" PersistentFlags().BindPFlag pattern
// extended to the full flag set.
func BindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.StringSliceP("images", "i", nil, "Tracked image set (bare or registry/image), comma-separated")
	flags.StringArrayP("credentials", "c", nil, "Per-registry credentials file, repeatable: registry:path")
	flags.StringP("directory", "d", "", "Working directory containing the manifest (default: cwd)")
	flags.IntP("shutdown-timeout", "s", 10, "Graceful shutdown wait, seconds")
	flags.IntP("poll-interval", "I", 60, "Registry poll period, seconds")
	flags.IntP("debounce", "D", 60, "Update debounce window, seconds")
	flags.IntP("health-check-interval", "H", 60, "Health poll period, seconds")
	flags.IntP("ill-health-tolerance", "t", 60, "Unhealthy duration before restart, seconds")
	flags.BoolP("insecure", "k", false, "Accept self-signed TLS for registries")
	flags.BoolP("signal-poll", "S", false, "Send poke to running peer and exit")
	flags.String("log-level", "INFO", "set log level (e.g. INFO, DEBUG, WARN)")

	_ = viper.BindPFlag("images", flags.Lookup("images"))
	_ = viper.BindPFlag("credentials", flags.Lookup("credentials"))
	_ = viper.BindPFlag("directory", flags.Lookup("directory"))
	_ = viper.BindPFlag("shutdown_timeout", flags.Lookup("shutdown-timeout"))
	_ = viper.BindPFlag("poll_interval", flags.Lookup("poll-interval"))
	_ = viper.BindPFlag("debounce", flags.Lookup("debounce"))
	_ = viper.BindPFlag("health_check_interval", flags.Lookup("health-check-interval"))
	_ = viper.BindPFlag("ill_health_tolerance", flags.Lookup("ill-health-tolerance"))
	_ = viper.BindPFlag("insecure", flags.Lookup("insecure"))
	_ = viper.BindPFlag("signal_poll", flags.Lookup("signal-poll"))
	_ = viper.BindPFlag("log.log_level", flags.Lookup("log-level"))

	viper.AutomaticEnv()
	viper.SetEnvPrefix("fblaster")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// Load unmarshals viper's resolved values into a Config, defaults the working
// directory to cwd, parses --credentials entries, and validates that every
// credentials path resolves inside the working directory.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}

	if cfg.Directory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, newConfigError("unable to determine working directory: %v", err)
		}
		cfg.Directory = wd
	}
	absDir, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return nil, newConfigError("invalid --directory %q: %v", cfg.Directory, err)
	}
	cfg.Directory = absDir

	cfg.Credentials = make(map[string]string, len(cfg.RawCredentials))
	for _, raw := range cfg.RawCredentials {
		registry, path, ok := strings.Cut(raw, ":")
		if !ok || registry == "" || path == "" {
			return nil, newConfigError("invalid --credentials entry %q, expected registry:path", raw)
		}
		absPath, err := filepath.Abs(filepath.Join(cfg.Directory, path))
		if err != nil {
			return nil, newConfigError("invalid --credentials path %q: %v", path, err)
		}
		rel, err := filepath.Rel(cfg.Directory, absPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, newConfigError("credentials path %q for registry %q escapes working directory %q", path, registry, cfg.Directory)
		}
		cfg.Credentials[registry] = absPath
	}

	cfg.ShutdownTimeout = time.Duration(cfg.ShutdownTimeoutSecs) * time.Second
	cfg.PollInterval = time.Duration(cfg.PollIntervalSecs) * time.Second
	cfg.Debounce = time.Duration(cfg.DebounceSecs) * time.Second
	cfg.HealthCheckInterval = time.Duration(cfg.HealthCheckSecs) * time.Second
	cfg.IllHealthTolerance = time.Duration(cfg.IllHealthSecs) * time.Second

	return &cfg, nil
}

// ReadCredential reads the single "user:pass" line from a credentials file.
func ReadCredential(path string) (user, pass string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading credentials file %s: %w", path, err)
	}
	line := strings.TrimSpace(string(data))
	user, pass, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", newConfigError("malformed credentials file %s: expected user:pass", path)
	}
	return user, pass, nil
}
