package config

import (
	"time"

	"github.com/jlneal/choragen/internal/types"
)

// Provider credential environment variables, one per vendor. A local
// model endpoint needs no credential.
const (
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvGoogleKey    = "GOOGLE_API_KEY"
)

// Config is the runtime configuration, loaded from YAML with environment
// variable interpolation and overlaid with defaults.
type Config struct {
	// DataDir is the root of the file store (workflows, sessions, locks).
	DataDir string `mapstructure:"data_dir"`

	// TemplatesDir holds user-defined workflow templates. Optional.
	TemplatesDir string `mapstructure:"templates_dir"`

	// RolesFile and ToolsFile are the governance indices.
	RolesFile string `mapstructure:"roles_file"`
	ToolsFile string `mapstructure:"tools_file"`

	Log      LogConfig      `mapstructure:"log"`
	Provider ProviderConfig `mapstructure:"provider"`
	Session  SessionConfig  `mapstructure:"session"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format"`
}

// ProviderConfig selects the default LLM backend.
type ProviderConfig struct {
	// Default names the provider used when a session does not specify
	// one: anthropic, openai, google, or local.
	Default string `mapstructure:"default"`

	// Model is the default model identifier.
	Model string `mapstructure:"model"`

	// LocalEndpoint is the base URL of a local model server, enabling
	// the local provider even with no vendor credentials.
	LocalEndpoint string `mapstructure:"local_endpoint"`
}

// SessionConfig carries session loop defaults.
type SessionConfig struct {
	MaxTurns        int           `mapstructure:"max_turns"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   ".choragen",
		RolesFile: "roles.yaml",
		ToolsFile: "tools.yaml",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Provider: ProviderConfig{
			Default: "anthropic",
		},
		Session: SessionConfig{
			MaxTurns:        50,
			ApprovalTimeout: 5 * time.Minute,
			MaxRetries:      3,
			RetryBaseDelay:  1 * time.Second,
			RetryMaxDelay:   30 * time.Second,
		},
	}
}

// Validate checks the configuration, including the startup credential
// requirement: at least one vendor credential must be present in the
// environment, or a local endpoint configured.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "data_dir is required")
	}
	if c.RolesFile == "" || c.ToolsFile == "" {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "roles_file and tools_file are required")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			"log level must be one of debug, info, warn, error")
	}

	creds := c.Credentials()
	if len(creds) == 0 && c.Provider.LocalEndpoint == "" {
		return types.NewError(types.CONFIG_NO_CREDENTIALS,
			"no provider credentials found: set one of "+
				EnvAnthropicKey+", "+EnvOpenAIKey+", "+EnvGoogleKey+
				" or configure a local endpoint")
	}
	return nil
}
