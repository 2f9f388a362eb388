// Package config loads the judge session engine's configuration from
// environment variables and an optional config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration, bound from env vars and an
// optional config file.
type Config struct {
	LogLevel      string `mapstructure:"log_level"`
	BindAddress   string `mapstructure:"bind_address"`
	DataDirectory string `mapstructure:"data_directory"`

	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	CompileTimeout    time.Duration `mapstructure:"compile_timeout"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	CompileCPUTime    time.Duration `mapstructure:"compile_cpu_time"`
	RunCPUTime        time.Duration `mapstructure:"run_cpu_time"`
	CompileMemoryLimit int64        `mapstructure:"compile_memory_limit"`
	RunMemoryLimit     int64        `mapstructure:"run_memory_limit"`

	MaxProcessCount int   `mapstructure:"max_process_count"`
	MaxOpenFiles    int   `mapstructure:"max_open_files"`
	MaxFileSize     int64 `mapstructure:"max_file_size"`
	OutputMaxSize   int   `mapstructure:"output_max_size"`

	DisableNetworking bool `mapstructure:"disable_networking"`
	RunnerUIDMin      int  `mapstructure:"runner_uid_min"`
	RunnerUIDMax      int  `mapstructure:"runner_uid_max"`
	RunnerGIDMin      int  `mapstructure:"runner_gid_min"`
	RunnerGIDMax      int  `mapstructure:"runner_gid_max"`

	// SessionInitTimeout bounds how long a session may sit in Opening
	// without a valid init before being closed 4001 (spec recommends 1-5s).
	SessionInitTimeout time.Duration `mapstructure:"session_init_timeout"`

	// RequestBodyLimit bounds ancillary HTTP POST bodies (not the
	// WebSocket transport, which frames per-message).
	RequestBodyLimit int64 `mapstructure:"request_body_limit"`

	LimitOverrides map[string]map[string]interface{} `mapstructure:"limit_overrides"`
}

// Load reads configuration from the documented env vars (bound both bare
// and under a CODERUNR_ prefix for deployments carried over from the
// teacher service) and an optional config file.
func Load() (*Config, error) {
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("bind_address", getEnvOrDefault("PORT", "2000"))
	viper.SetDefault("data_directory", "/coderunr")
	viper.SetDefault("max_concurrent_jobs", 64)
	viper.SetDefault("compile_timeout", "10s")
	viper.SetDefault("run_timeout", "3s")
	viper.SetDefault("compile_cpu_time", "10s")
	viper.SetDefault("run_cpu_time", "3s")
	viper.SetDefault("compile_memory_limit", -1)
	viper.SetDefault("run_memory_limit", -1)
	viper.SetDefault("max_process_count", 64)
	viper.SetDefault("max_open_files", 2048)
	viper.SetDefault("max_file_size", 10000000) // 10MB
	viper.SetDefault("output_max_size", 1024)
	viper.SetDefault("disable_networking", true)
	viper.SetDefault("runner_uid_min", 1001)
	viper.SetDefault("runner_uid_max", 1500)
	viper.SetDefault("runner_gid_min", 1001)
	viper.SetDefault("runner_gid_max", 1500)
	viper.SetDefault("session_init_timeout", "5s")
	viper.SetDefault("request_body_limit", 1048576)
	viper.SetDefault("limit_overrides", map[string]map[string]interface{}{})

	// Bare, un-prefixed env vars.
	bareVars := map[string]string{
		"compile_timeout":      "COMPILE_TIMEOUT",
		"run_timeout":          "RUN_TIMEOUT",
		"compile_cpu_time":     "COMPILE_CPU_TIME",
		"run_cpu_time":         "RUN_CPU_TIME",
		"compile_memory_limit": "COMPILE_MEMORY_LIMIT",
		"run_memory_limit":     "RUN_MEMORY_LIMIT",
		"max_concurrent_jobs":  "MAX_CONCURRENT_JOBS",
		"max_process_count":    "MAX_PROCESS_COUNT",
		"max_open_files":       "MAX_OPEN_FILES",
		"max_file_size":        "MAX_FILE_SIZE",
		"output_max_size":      "OUTPUT_MAX_SIZE",
		"disable_networking":   "DISABLE_NETWORKING",
		"log_level":            "LOG_LEVEL",
	}
	for key, env := range bareVars {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env var %s: %w", env, err)
		}
	}

	// Prefixed overrides (CODERUNR_*) win when both are set.
	viper.SetEnvPrefix("CODERUNR")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/coderunr/")
	viper.AddConfigPath("$HOME/.coderunr/")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func validate(config *Config) error {
	if _, err := os.Stat(config.DataDirectory); os.IsNotExist(err) {
		return fmt.Errorf("data directory does not exist: %s", config.DataDirectory)
	}

	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	if config.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive")
	}

	if config.RunnerUIDMin >= config.RunnerUIDMax {
		return fmt.Errorf("runner_uid_min must be less than runner_uid_max")
	}

	if config.RunnerGIDMin >= config.RunnerGIDMax {
		return fmt.Errorf("runner_gid_min must be less than runner_gid_max")
	}

	if config.SessionInitTimeout <= 0 {
		return fmt.Errorf("session_init_timeout must be positive")
	}

	return nil
}

func getEnvOrDefault(env, defaultValue string) string {
	if value := os.Getenv(env); value != "" {
		return value
	}
	return "0.0.0.0:" + defaultValue
}

// GetBindAddress returns the complete bind address.
func (c *Config) GetBindAddress() string {
	if c.BindAddress == "" {
		return "0.0.0.0:2000"
	}
	return c.BindAddress
}

// GetLogLevel returns the parsed log level.
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// GetLimitOverride returns the limit override for a specific language and
// limit type, as loaded from a config file.
func (c *Config) GetLimitOverride(language, limitType string) (interface{}, bool) {
	if langOverrides, exists := c.LimitOverrides[language]; exists {
		if value, exists := langOverrides[limitType]; exists {
			return value, true
		}
	}
	return nil, false
}
