// Package config loads the daemon configuration from kaiba.yaml, KAIBA_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/kaiba/internal/decision"
	"github.com/fentz26/kaiba/internal/logging"
	"github.com/fentz26/kaiba/internal/notify"
	"github.com/fentz26/kaiba/internal/scheduler"
	"github.com/spf13/viper"
)

const (
	configName = "kaiba"
	configType = "yaml"
	envPrefix  = "KAIBA"
	dataDir    = ".kaiba"

	// DefaultListen is the API address of the daemon.
	DefaultListen = "127.0.0.1:7477"
)

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Decision   decision.Config  `mapstructure:"decision" yaml:"decision"`
	Dispatcher notify.Config    `mapstructure:"dispatcher" yaml:"dispatcher"`
	Scheduler  scheduler.Config `mapstructure:"scheduler" yaml:"scheduler"`
	Providers  ProvidersConfig  `mapstructure:"providers" yaml:"providers"`
	Logging    logging.Config   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ProvidersConfig configures the execution backends available to the daemon.
type ProvidersConfig struct {
	// GeminiAPIKey enables the google provider. GEMINI_API_KEY and
	// GOOGLE_API_KEY are read when it is not set.
	GeminiAPIKey string          `mapstructure:"gemini_api_key" yaml:"gemini_api_key"`
	LocalExec    LocalExecConfig `mapstructure:"localexec" yaml:"localexec"`
	// Catalog is a backends.yaml or backends.toml file imported at startup.
	Catalog string `mapstructure:"catalog" yaml:"catalog"`
}

// LocalExecConfig configures the local command backend.
type LocalExecConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	WorkDir string   `mapstructure:"work_dir" yaml:"work_dir"`
	Allowed []string `mapstructure:"allowed" yaml:"allowed"`
}

// DataDir returns ~/.kaiba, or .kaiba when the home directory is unknown.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return dataDir
	}
	return filepath.Join(home, dataDir)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          DefaultListen,
			ShutdownTimeout: 10 * time.Second,
		},
		Store:      StoreConfig{Path: filepath.Join(DataDir(), "kaiba.db")},
		Decision:   decision.DefaultConfig(),
		Dispatcher: notify.DefaultConfig(),
		Scheduler:  scheduler.DefaultConfig(),
		Providers: ProvidersConfig{
			LocalExec: LocalExecConfig{Enabled: true, Allowed: []string{"cat", "ollama", "llm"}},
		},
		Logging: logging.Config{Level: "info"},
	}
}

// Load reads the configuration. An empty path searches kaiba.yaml in the
// working directory and the data directory; a missing file is not an error
// then. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("providers.gemini_api_key", "KAIBA_PROVIDERS_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		v.AddConfigPath(DataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is empty"))
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is empty"))
	}
	if c.Decision.TiredThreshold >= c.Decision.MinEnergyLearn {
		errs = append(errs, fmt.Errorf("decision.tired_threshold (%d) must be below decision.min_energy_learn (%d)",
			c.Decision.TiredThreshold, c.Decision.MinEnergyLearn))
	}
	if c.Decision.LearnCooldown < 0 || c.Decision.DigestCooldown < 0 {
		errs = append(errs, errors.New("decision cooldowns must not be negative"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Dispatcher.MaxBackoff < c.Dispatcher.BaseBackoff {
		errs = append(errs, errors.New("dispatcher.max_backoff must not be below dispatcher.base_backoff"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDefaults registers every key so that environment variables can
// override keys absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"server.listen":           d.Server.Listen,
		"server.shutdown_timeout": d.Server.ShutdownTimeout,
		"store.path":              d.Store.Path,

		"decision.tired_threshold":       d.Decision.TiredThreshold,
		"decision.min_energy_learn":      d.Decision.MinEnergyLearn,
		"decision.min_tokens_for_action": d.Decision.MinTokensForAction,
		"decision.min_undigested":        d.Decision.MinUndigested,
		"decision.urgent_digest_count":   d.Decision.UrgentDigestCount,
		"decision.max_digest_batch":      d.Decision.MaxDigestBatch,
		"decision.learn_cooldown":        d.Decision.LearnCooldown,
		"decision.digest_cooldown":       d.Decision.DigestCooldown,
		"decision.max_queries":           d.Decision.MaxQueries,
		"decision.learn_energy_cost":     d.Decision.LearnEnergyCost,
		"decision.digest_energy_cost":    d.Decision.DigestEnergyCost,
		"decision.max_conflict_retries":  d.Decision.MaxConflictRetries,
		"decision.concurrency":           d.Decision.Concurrency,

		"dispatcher.concurrency":         d.Dispatcher.Concurrency,
		"dispatcher.base_backoff":        d.Dispatcher.BaseBackoff,
		"dispatcher.max_backoff":         d.Dispatcher.MaxBackoff,
		"dispatcher.response_body_limit": d.Dispatcher.ResponseBodyLimit,

		"scheduler.enabled":      d.Scheduler.Enabled,
		"scheduler.interval":     d.Scheduler.Interval,
		"scheduler.max_jitter":   d.Scheduler.MaxJitter,
		"scheduler.run_on_start": d.Scheduler.RunOnStart,

		"providers.gemini_api_key":     d.Providers.GeminiAPIKey,
		"providers.catalog":            d.Providers.Catalog,
		"providers.localexec.enabled":  d.Providers.LocalExec.Enabled,
		"providers.localexec.work_dir": d.Providers.LocalExec.WorkDir,
		"providers.localexec.allowed":  d.Providers.LocalExec.Allowed,

		"logging.level": d.Logging.Level,
		"logging.json":  d.Logging.JSON,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}
