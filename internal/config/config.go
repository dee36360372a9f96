package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"rai/internal/ai"
)

var (
	// ErrMissingCredential is returned when no API key is configured.
	ErrMissingCredential = errors.New("OpenAI API key must be provided via openai.api_key or the OPENAI_API_KEY environment variable")
	// ErrConfigCycle is returned when parent configs include each other.
	ErrConfigCycle = errors.New("config inclusion cycle")
)

// CredentialEnv is the fallback source of the API key.
const CredentialEnv = "OPENAI_API_KEY"

// maxSummaryWords mirrors the summarizer's ceiling.
const maxSummaryWords = 200

// Config holds all application configuration
type Config struct {
	ConfigPath   string            `mapstructure:"-"`
	Sources      []string          `mapstructure:"-"` // merged files, root first
	Name         string            `mapstructure:"name"`
	LogLevel     string            `mapstructure:"log_level"`
	LogCalls     bool              `mapstructure:"log_calls"`
	StoragePath  string            `mapstructure:"storage_path"`
	OpenAI       OpenAIConfig      `mapstructure:"openai"`
	Retry        RetryConfig       `mapstructure:"retry"`
	Chat         ChatConfig        `mapstructure:"chat"`
	Instructions map[string]string `mapstructure:"instructions"`
	Tokens       TokensConfig      `mapstructure:"tokens"`
	Summarizer   SummarizerConfig  `mapstructure:"summarizer"`
	Actors       []ActorConfig     `mapstructure:"actors"`
	ActorsPath   string            `mapstructure:"actors_path"`
	Tiers        []TierConfig      `mapstructure:"tiers"`
	Metrics      MetricsConfig     `mapstructure:"metrics"`
	API          APIConfig         `mapstructure:"api"`
	Retention    RetentionConfig   `mapstructure:"retention"`
}

// OpenAIConfig holds completion API configuration
// Supports: openai, openrouter, or any OpenAI-compatible API
type OpenAIConfig struct {
	Provider    string  `mapstructure:"provider"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
	Stream      bool    `mapstructure:"stream"`
	N           int     `mapstructure:"n"`
}

// RetryConfig holds the completion retry policy
type RetryConfig struct {
	MaxAttempts uint          `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// ChatConfig holds display names of the dialogue participants
type ChatConfig struct {
	Username   string `mapstructure:"username"`
	BotName    string `mapstructure:"bot_name"`
	SystemName string `mapstructure:"system_name"`
}

// TokensConfig holds the wire framing costs used in token accounting
type TokensConfig struct {
	PerMessage   int `mapstructure:"per_message"`
	ReplyPriming int `mapstructure:"reply_priming"`
}

// SummarizerConfig holds the default summarizer settings
type SummarizerConfig struct {
	Model    string `mapstructure:"model"`
	NWords   int    `mapstructure:"n_words"`
	Language string `mapstructure:"language"`
	MaxDepth int    `mapstructure:"max_depth"`
}

// ActorConfig holds configuration for a single actor
type ActorConfig struct {
	Name       string         `mapstructure:"name" yaml:"name"`
	Kind       string         `mapstructure:"kind" yaml:"kind"`
	Params     map[string]any `mapstructure:"params" yaml:"params,omitempty"`
	SyncModels bool           `mapstructure:"sync_models" yaml:"sync_models"`
}

// TierConfig holds one model tier override
type TierConfig struct {
	ID           string `mapstructure:"id" yaml:"id"`
	Limit        int    `mapstructure:"limit" yaml:"limit"`
	SummaryLimit int    `mapstructure:"summary_limit" yaml:"summary_limit"`
	Upgrade      string `mapstructure:"upgrade" yaml:"upgrade,omitempty"`
}

// MetricsConfig holds Prometheus exporter configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// APIConfig holds HTTP API configuration
type APIConfig struct {
	Enabled    bool          `mapstructure:"enabled"`     // Enable HTTP API server
	Port       int           `mapstructure:"port"`        // API server port
	APIKey     string        `mapstructure:"api_key"`     // API key for authentication, empty disables the check
	RateLimit  int           `mapstructure:"rate_limit"`  // messages per session per window, 0 disables
	RateWindow time.Duration `mapstructure:"rate_window"` // sliding window of rate_limit
}

// RetentionConfig controls pruning of persisted sessions
type RetentionConfig struct {
	Schedule string        `mapstructure:"schedule"` // cron spec with seconds field, empty disables
	MaxAge   time.Duration `mapstructure:"max_age"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_calls", false)
	v.SetDefault("storage_path", "~/.rai/rai.db")
	v.SetDefault("name", "")
	v.SetDefault("actors_path", "")
	v.SetDefault("openai.provider", "openai")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.temperature", 0)
	v.SetDefault("openai.stream", false)
	v.SetDefault("openai.n", 1)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff", "1s")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("chat.username", "DefaultUser")
	v.SetDefault("chat.bot_name", "DefaultBot")
	v.SetDefault("chat.system_name", "ROOT")
	v.SetDefault("tokens.per_message", 3)
	v.SetDefault("tokens.reply_priming", 3)
	v.SetDefault("summarizer.n_words", 50)
	v.SetDefault("summarizer.language", "Russian")
	v.SetDefault("summarizer.max_depth", 16)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.rate_limit", 0)
	v.SetDefault("api.rate_window", "1m")
	v.SetDefault("retention.schedule", "")
	v.SetDefault("retention.max_age", "720h")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Environment variable prefix
	v.SetEnvPrefix("RAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultPath returns ~/.rai/config.<ext> for the first existing extension,
// or an empty string.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	base := filepath.Join(homeDir, ".rai", "config")
	for _, ext := range []string{".yaml", ".yml", ".json", ".toml"} {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext
		}
	}
	return ""
}

// Load reads configuration from the default location, falling back to
// defaults and environment when no file exists.
func Load() (*Config, error) {
	if path := DefaultPath(); path != "" {
		return LoadFrom(path)
	}
	return decode(newViper(), "", nil)
}

// LoadFrom reads configuration from a specific file path, merging every
// parent named by a root or parent key beneath it.
func LoadFrom(configPath string) (*Config, error) {
	chain, err := includeChain(configPath)
	if err != nil {
		return nil, err
	}

	v := newViper()
	for _, file := range chain {
		v.SetConfigFile(file)
		v.SetConfigType(configType(file))
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	return decode(v, configPath, chain)
}

func decode(v *viper.Viper, configPath string, chain []string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ConfigPath = configPath
	cfg.Sources = chain
	cfg.StoragePath = expandPath(cfg.StoragePath)

	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv(CredentialEnv)
	}

	if cfg.ActorsPath != "" {
		path := expandPath(cfg.ActorsPath)
		if !filepath.IsAbs(path) && configPath != "" {
			path = filepath.Join(filepath.Dir(configPath), path)
		}
		actors, err := LoadActors(path)
		if err != nil {
			return nil, err
		}
		cfg.ActorsPath = path
		cfg.Actors = actors
	}

	return &cfg, nil
}

// includeChain follows root/parent keys from path and returns the files to
// merge, outermost parent first.
func includeChain(path string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)

	current := expandPath(path)
	for current != "" {
		abs, err := filepath.Abs(current)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", current, err)
		}
		if seen[abs] {
			return nil, fmt.Errorf("%w: %s", ErrConfigCycle, abs)
		}
		seen[abs] = true
		chain = append(chain, abs)

		pv := viper.New()
		pv.SetConfigFile(abs)
		pv.SetConfigType(configType(abs))
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", abs, err)
		}

		parent := pv.GetString("root")
		if parent == "" {
			parent = pv.GetString("parent")
		}
		if parent == "" || strings.EqualFold(parent, "ROOT") {
			break
		}

		parent = expandPath(parent)
		if !filepath.IsAbs(parent) {
			parent = filepath.Join(filepath.Dir(abs), parent)
		}
		current = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return ErrMissingCredential
	}

	if c.OpenAI.Model == "" {
		return fmt.Errorf("openai.model is required")
	}

	if err := c.Sampling().Validate(); err != nil {
		return fmt.Errorf("openai: %w", err)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}

	if c.Summarizer.NWords < 0 || c.Summarizer.NWords > maxSummaryWords {
		return fmt.Errorf("summarizer.n_words must be between 0 and %d, got %d", maxSummaryWords, c.Summarizer.NWords)
	}

	if c.Tokens.PerMessage < 0 || c.Tokens.ReplyPriming < 0 {
		return fmt.Errorf("tokens overheads cannot be negative")
	}

	names := make(map[string]bool, len(c.Actors))
	for i, a := range c.Actors {
		if a.Name == "" {
			return fmt.Errorf("actors[%d]: name cannot be empty", i)
		}
		if a.Kind == "" {
			return fmt.Errorf("actor %s: kind cannot be empty", a.Name)
		}
		if names[a.Name] {
			return fmt.Errorf("actor %s defined twice", a.Name)
		}
		names[a.Name] = true
	}

	for i, t := range c.Tiers {
		if t.ID == "" || t.Limit <= 0 {
			return fmt.Errorf("tiers[%d]: id and a positive limit are required", i)
		}
	}

	if c.Retention.Schedule != "" && c.Retention.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be positive when retention.schedule is set")
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api.port: %d", c.API.Port)
	}
	if c.API.RateLimit < 0 || (c.API.RateLimit > 0 && c.API.RateWindow <= 0) {
		return fmt.Errorf("api.rate_limit needs a positive api.rate_window")
	}

	return nil
}

// Sampling returns the per-request generation options.
func (c *Config) Sampling() ai.Sampling {
	return ai.Sampling{
		Temperature: c.OpenAI.Temperature,
		Stream:      c.OpenAI.Stream,
		N:           c.OpenAI.N,
	}
}

// RetryPolicy returns the completion retry policy.
func (c *Config) RetryPolicy() ai.RetryPolicy {
	return ai.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff:     c.Retry.Backoff,
		MaxBackoff:  c.Retry.MaxBackoff,
	}
}

// ProviderConfig returns the completion provider settings.
func (c *Config) ProviderConfig() ai.ProviderConfig {
	return ai.ProviderConfig{
		Name:    c.OpenAI.Provider,
		APIKey:  c.OpenAI.APIKey,
		BaseURL: c.OpenAI.BaseURL,
		Model:   c.OpenAI.Model,
	}
}

// BotName returns the bot display name; a top-level name wins over chat.bot_name.
func (c *Config) BotName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Chat.BotName
}

// SystemPrompt renders the instructions section as the system message.
func (c *Config) SystemPrompt() string {
	keys := make([]string, 0, len(c.Instructions))
	for k := range c.Instructions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, c.Instructions[k]))
	}
	return "<INSTRUCTIONS>\n" + strings.Join(lines, "\n")
}

// SetValue writes one key into the file at path. Only that file is read
// and rewritten: parents, environment and defaults are not merged in.
func SetValue(path, key string, value any) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config %s: %w", path, err)
	}

	v.Set(key, value)
	return v.WriteConfig()
}

// configType derives the viper config type from the file extension.
func configType(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
