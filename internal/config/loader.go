package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/jlneal/choragen/internal/types"
)

// Load reads configuration from the given YAML file, interpolates
// ${ENV_VAR} references, and validates the result. A missing file yields
// the defaults (still validated, so the credential check applies).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_PARSE_FAILED,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}

	interpolate(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("roles_file", def.RolesFile)
	v.SetDefault("tools_file", def.ToolsFile)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("provider.default", def.Provider.Default)
	v.SetDefault("session.max_turns", def.Session.MaxTurns)
	v.SetDefault("session.approval_timeout", def.Session.ApprovalTimeout)
	v.SetDefault("session.max_retries", def.Session.MaxRetries)
	v.SetDefault("session.retry_base_delay", def.Session.RetryBaseDelay)
	v.SetDefault("session.retry_max_delay", def.Session.RetryMaxDelay)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolate replaces ${VAR_NAME} references in string fields with
// environment variable values. Unset variables interpolate to "".
func interpolate(cfg *Config) {
	cfg.DataDir = interpolateString(cfg.DataDir)
	cfg.TemplatesDir = interpolateString(cfg.TemplatesDir)
	cfg.RolesFile = interpolateString(cfg.RolesFile)
	cfg.ToolsFile = interpolateString(cfg.ToolsFile)
	cfg.Provider.Default = interpolateString(cfg.Provider.Default)
	cfg.Provider.Model = interpolateString(cfg.Provider.Model)
	cfg.Provider.LocalEndpoint = interpolateString(cfg.Provider.LocalEndpoint)
}

func interpolateString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(name)
	})
}

// Credentials returns the vendor API keys present in the environment,
// keyed by provider name.
func (c *Config) Credentials() map[string]string {
	creds := make(map[string]string)
	if key := os.Getenv(EnvAnthropicKey); key != "" {
		creds["anthropic"] = key
	}
	if key := os.Getenv(EnvOpenAIKey); key != "" {
		creds["openai"] = key
	}
	if key := os.Getenv(EnvGoogleKey); key != "" {
		creds["google"] = key
	}
	return creds
}
