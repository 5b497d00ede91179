package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"professor-agent/internal/integrations/paramstore"
)

// Config is read once at process start.
type Config struct {
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	PineconeAPIKey    string
	PineconeIndexHost string
	ParamPrefix       string
	StateTable        string
	ListenAddr        string
	SystemPromptFile  string
	LogLevel          slog.Level
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	return &Config{
		OpenAIAPIKey:      strings.TrimSpace(v.GetString("openai_api_key")),
		OpenAIBaseURL:     strings.TrimSpace(v.GetString("openai_base_url")),
		PineconeAPIKey:    strings.TrimSpace(v.GetString("pinecone_api_key")),
		PineconeIndexHost: strings.TrimSpace(v.GetString("pinecone_index_host")),
		ParamPrefix:       strings.TrimRight(strings.TrimSpace(v.GetString("param_prefix")), "/"),
		StateTable:        strings.TrimSpace(v.GetString("state_table")),
		ListenAddr:        v.GetString("listen_addr"),
		SystemPromptFile:  strings.TrimSpace(v.GetString("system_prompt_file")),
		LogLevel:          level,
	}, nil
}

// NeedsParamStore reports whether any API key must be fetched from SSM.
func (c *Config) NeedsParamStore() bool {
	return c.ParamPrefix != "" && (c.OpenAIAPIKey == "" || c.PineconeAPIKey == "")
}

// ResolveSecrets fills API keys missing from the environment from SSM
// parameters under ParamPrefix. g may be nil when NeedsParamStore is false.
func (c *Config) ResolveSecrets(ctx context.Context, g paramstore.Getter) error {
	if c.NeedsParamStore() {
		if c.OpenAIAPIKey == "" {
			key, err := paramstore.Token(ctx, g, c.ParamPrefix+"/open-ai-token")
			if err != nil {
				return fmt.Errorf("config: resolve OpenAI key: %w", err)
			}
			c.OpenAIAPIKey = key
		}
		if c.PineconeAPIKey == "" {
			key, err := paramstore.Token(ctx, g, c.ParamPrefix+"/pinecone-token")
			if err != nil {
				return fmt.Errorf("config: resolve Pinecone key: %w", err)
			}
			c.PineconeAPIKey = key
		}
	}
	return c.validate()
}

func (c *Config) validate() error {
	var errs []error
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("config: OPENAI_API_KEY is required (or PARAM_PREFIX with <prefix>/open-ai-token)"))
	}
	if c.PineconeAPIKey == "" {
		errs = append(errs, errors.New("config: PINECONE_API_KEY is required (or PARAM_PREFIX with <prefix>/pinecone-token)"))
	}
	return errors.Join(errs...)
}

// SystemPrompt returns the contents of SystemPromptFile, or "" when unset.
func (c *Config) SystemPrompt() (string, error) {
	if c.SystemPromptFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("config: read system prompt: %w", err)
	}
	return string(b), nil
}
