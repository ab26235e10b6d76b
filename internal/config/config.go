// Package config loads understory settings from defaults, an optional config
// file and UNDERSTORY_* environment variables.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/jward/understory/internal/logging"
)

// Manifest invalidation policies.
const (
	InvalidateFull    = "full"
	InvalidateSubtree = "subtree"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Logging  logging.Config `mapstructure:"logging"`
	Watch    WatchConfig    `mapstructure:"watch"`
}

// ServerConfig configures the bridge listener. Port 0 picks a free port.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AnalysisConfig holds the orchestrator tunables.
type AnalysisConfig struct {
	Parallelism             int      `mapstructure:"parallelism"`
	MaxFileSizeKB           int      `mapstructure:"max_file_size_kb"`
	MaxFilesForTypeChecking int      `mapstructure:"max_files_for_type_checking"`
	AllowTSParserForJS      bool     `mapstructure:"allow_ts_parser_for_js"`
	ManifestInvalidation    string   `mapstructure:"manifest_invalidation"`
	ResultCacheSize         int      `mapstructure:"result_cache_size"`
	ProgramCacheSize        int      `mapstructure:"program_cache_size"`
	Exclusions              []string `mapstructure:"exclusions"`
}

// WatchConfig configures the filesystem watcher.
type WatchConfig struct {
	DebounceMs int `mapstructure:"debounce_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 0},
		Analysis: AnalysisConfig{
			Parallelism:             runtime.NumCPU(),
			MaxFileSizeKB:           4000,
			MaxFilesForTypeChecking: 20000,
			AllowTSParserForJS:      true,
			ManifestInvalidation:    InvalidateFull,
			ResultCacheSize:         4096,
			ProgramCacheSize:        10,
		},
		Logging: logging.Config{Level: "info", Format: "text", Output: "stderr"},
		Watch:   WatchConfig{DebounceMs: 200},
	}
}

// Load reads configuration into a Config. An empty file means defaults plus
// environment only. v may be nil, in which case a fresh viper is used.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix("UNDERSTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Analysis.Parallelism < 1 {
		c.Analysis.Parallelism = 1
	}
	switch c.Analysis.ManifestInvalidation {
	case InvalidateFull, InvalidateSubtree:
	default:
		return fmt.Errorf("config: analysis.manifest_invalidation must be %q or %q, got %q",
			InvalidateFull, InvalidateSubtree, c.Analysis.ManifestInvalidation)
	}
	if c.Analysis.ResultCacheSize < 1 {
		return fmt.Errorf("config: analysis.result_cache_size must be positive")
	}
	if c.Analysis.ProgramCacheSize < 1 {
		return fmt.Errorf("config: analysis.program_cache_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("analysis.parallelism", d.Analysis.Parallelism)
	v.SetDefault("analysis.max_file_size_kb", d.Analysis.MaxFileSizeKB)
	v.SetDefault("analysis.max_files_for_type_checking", d.Analysis.MaxFilesForTypeChecking)
	v.SetDefault("analysis.allow_ts_parser_for_js", d.Analysis.AllowTSParserForJS)
	v.SetDefault("analysis.manifest_invalidation", d.Analysis.ManifestInvalidation)
	v.SetDefault("analysis.result_cache_size", d.Analysis.ResultCacheSize)
	v.SetDefault("analysis.program_cache_size", d.Analysis.ProgramCacheSize)
	v.SetDefault("analysis.exclusions", d.Analysis.Exclusions)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("watch.debounce_ms", d.Watch.DebounceMs)
}

// bindEnv binds the short names the host process historically exported.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "UNDERSTORY_PORT")
	_ = v.BindEnv("logging.level", "UNDERSTORY_LOG_LEVEL")
	_ = v.BindEnv("analysis.max_file_size_kb", "UNDERSTORY_MAX_FILE_SIZE_KB")
	_ = v.BindEnv("analysis.max_files_for_type_checking", "UNDERSTORY_MAX_FILES_FOR_TYPE_CHECKING")
}
