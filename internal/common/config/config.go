// Package config provides configuration management for WebSmith.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for WebSmith.
type Config struct {
	Run       RunConfig       `mapstructure:"run"`
	Ports     PortsConfig     `mapstructure:"ports"`
	Execution ExecutionConfig `mapstructure:"execution"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RunConfig holds per-run settings supplied on the command line or config file.
type RunConfig struct {
	Name        string `mapstructure:"name"`        // run name, used for workspace naming
	OutputDir   string `mapstructure:"outputDir"`   // parent directory for workspaces
	TemplateDir string `mapstructure:"templateDir"` // optional directory of <role>.tmpl prompt overrides
	Resume      bool   `mapstructure:"resume"`      // resume from an existing workspace
	Verbose     bool   `mapstructure:"verbose"`
}

// PortsConfig holds preferred ports and the fallback scan range for the
// generated application's services.
type PortsConfig struct {
	PreferredAPI     int `mapstructure:"preferredApi"`
	PreferredUI      int `mapstructure:"preferredUi"`
	PreferredDB      int `mapstructure:"preferredDb"`
	PreferredBackend int `mapstructure:"preferredBackend"`
	ScanRangeStart   int `mapstructure:"scanRangeStart"`
	ScanRangeEnd     int `mapstructure:"scanRangeEnd"`
}

// ExecutionConfig holds agent execution limits.
type ExecutionConfig struct {
	TaskTimeout       int `mapstructure:"taskTimeout"`       // per-agent task timeout, seconds
	UserTaskTimeout   int `mapstructure:"userTaskTimeout"`   // User agent gets the longest budget, seconds
	MaxRetries        int `mapstructure:"maxRetries"`        // LLM retry budget per turn
	MaxToolIterations int `mapstructure:"maxToolIterations"` // ceiling on tool calls per task
	ReadyTimeout      int `mapstructure:"readyTimeout"`      // agent boot readiness wait, seconds
	DeliveryTimeout   int `mapstructure:"deliveryTimeout"`   // hard ceiling on project delivery, seconds
	ShutdownTimeout   int `mapstructure:"shutdownTimeout"`   // per-agent shutdown join, seconds
	AskTimeout        int `mapstructure:"askTimeout"`        // default ask() timeout, seconds
}

// LLMConfig holds LLM client configuration. Credentials are read from the
// environment by the client itself and never stored here.
type LLMConfig struct {
	Provider  string `mapstructure:"provider"` // anthropic, stub
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// DockerConfig holds container runtime detection configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TaskTimeoutDuration returns the default task timeout as a time.Duration.
func (e *ExecutionConfig) TaskTimeoutDuration() time.Duration {
	return time.Duration(e.TaskTimeout) * time.Second
}

// UserTaskTimeoutDuration returns the User agent task timeout as a time.Duration.
func (e *ExecutionConfig) UserTaskTimeoutDuration() time.Duration {
	return time.Duration(e.UserTaskTimeout) * time.Second
}

// ReadyTimeoutDuration returns the readiness wait as a time.Duration.
func (e *ExecutionConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(e.ReadyTimeout) * time.Second
}

// DeliveryTimeoutDuration returns the delivery ceiling as a time.Duration.
func (e *ExecutionConfig) DeliveryTimeoutDuration() time.Duration {
	return time.Duration(e.DeliveryTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown join budget as a time.Duration.
func (e *ExecutionConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(e.ShutdownTimeout) * time.Second
}

// AskTimeoutDuration returns the default ask timeout as a time.Duration.
func (e *ExecutionConfig) AskTimeoutDuration() time.Duration {
	return time.Duration(e.AskTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Run defaults
	v.SetDefault("run.name", "websmith-app")
	v.SetDefault("run.outputDir", "./generated")
	v.SetDefault("run.templateDir", "")
	v.SetDefault("run.resume", false)
	v.SetDefault("run.verbose", false)

	// Port defaults: preferred ports first, then scan the range
	v.SetDefault("ports.preferredApi", 8000)
	v.SetDefault("ports.preferredUi", 3000)
	v.SetDefault("ports.preferredDb", 5432)
	v.SetDefault("ports.preferredBackend", 8001)
	v.SetDefault("ports.scanRangeStart", 20000)
	v.SetDefault("ports.scanRangeEnd", 29999)

	// Execution defaults
	v.SetDefault("execution.taskTimeout", 1800)
	v.SetDefault("execution.userTaskTimeout", 7200)
	v.SetDefault("execution.maxRetries", 3)
	v.SetDefault("execution.maxToolIterations", 100)
	v.SetDefault("execution.readyTimeout", 30)
	v.SetDefault("execution.deliveryTimeout", 14400) // 4 hours
	v.SetDefault("execution.shutdownTimeout", 15)
	v.SetDefault("execution.askTimeout", 300)

	// LLM defaults
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.maxTokens", 8192)

	// Docker defaults
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiVersion", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" (human-readable console format) for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("WEBSMITH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WEBSMITH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/websmith/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("WEBSMITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where camelCase config keys don't map to SNAKE_CASE
	// env names automatically.
	_ = v.BindEnv("run.outputDir", "WEBSMITH_RUN_OUTPUT_DIR")
	_ = v.BindEnv("run.templateDir", "WEBSMITH_RUN_TEMPLATE_DIR")
	_ = v.BindEnv("execution.taskTimeout", "WEBSMITH_EXECUTION_TASK_TIMEOUT")
	_ = v.BindEnv("execution.deliveryTimeout", "WEBSMITH_EXECUTION_DELIVERY_TIMEOUT")
	_ = v.BindEnv("llm.maxTokens", "WEBSMITH_LLM_MAX_TOKENS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/websmith/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Ports.ScanRangeStart <= 0 || cfg.Ports.ScanRangeEnd <= cfg.Ports.ScanRangeStart {
		return fmt.Errorf("invalid port scan range [%d, %d]", cfg.Ports.ScanRangeStart, cfg.Ports.ScanRangeEnd)
	}
	if cfg.Execution.TaskTimeout <= 0 {
		return fmt.Errorf("execution.taskTimeout must be positive")
	}
	if cfg.Execution.MaxToolIterations <= 0 {
		return fmt.Errorf("execution.maxToolIterations must be positive")
	}
	return nil
}
