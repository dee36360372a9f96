package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"rai/internal/agent"
	"rai/internal/config"
	"rai/internal/redact"
)

func newConfigCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Initialize and inspect rai configuration.`,
	}

	cmd.AddCommand(newConfigInitCommand(rt))
	cmd.AddCommand(newConfigShowCommand(rt))
	cmd.AddCommand(newConfigSetCommand(rt))
	cmd.AddCommand(newConfigTiersCommand(rt))
	cmd.AddCommand(newConfigActorsCommand(rt))

	return cmd
}

const defaultConfig = `# rai configuration
# The API key may also come from the OPENAI_API_KEY environment variable.

# A parent file to merge under this one; ROOT means none.
root: ROOT

log_level: info      # trace, debug, info, warn, error
log_calls: false
storage_path: ~/.rai/rai.db

openai:
  provider: openai   # openai, openrouter, or set base_url
  api_key: ""
  model: gpt-3.5-turbo
  temperature: 0
  n: 1

retry:
  max_attempts: 5
  backoff: 1s

chat:
  username: DefaultUser
  bot_name: DefaultBot
  system_name: ROOT

instructions:
  role: helpful assistant

summarizer:
  n_words: 50
  language: English

api:
  enabled: false
  port: 8080
  api_key: ""
  rate_limit: 0      # messages per session per window, 0 disables
  rate_window: 1m

retention:
  schedule: ""       # e.g. "0 0 3 * * *" to prune nightly
  max_age: 720h
`

func configPathOrDefault(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".rai", "config.yaml"), nil
}

func newConfigInitCommand(rt *runtime) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := configPathOrDefault(rt.configPath)
			if err != nil {
				return err
			}

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s", configPath)
			}

			if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(configPath, []byte(defaultConfig), 0o600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created config at %s\n", configPath)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "1. Set your key: rai config set openai.api_key <key> (or export OPENAI_API_KEY)")
			fmt.Fprintln(out, "2. Start chatting: rai chat")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

// configView is the printable form of a Config with credentials masked.
type configView struct {
	Sources      []string             `yaml:"sources,omitempty"`
	Name         string               `yaml:"name,omitempty"`
	LogLevel     string               `yaml:"log_level"`
	LogCalls     bool                 `yaml:"log_calls"`
	StoragePath  string               `yaml:"storage_path"`
	OpenAI       map[string]any       `yaml:"openai"`
	Retry        map[string]any       `yaml:"retry"`
	Chat         map[string]string    `yaml:"chat"`
	Instructions map[string]string    `yaml:"instructions,omitempty"`
	Tokens       map[string]int       `yaml:"tokens"`
	Summarizer   map[string]any       `yaml:"summarizer"`
	ActorsPath   string               `yaml:"actors_path,omitempty"`
	Actors       []config.ActorConfig `yaml:"actors,omitempty"`
	Tiers        []config.TierConfig  `yaml:"tiers,omitempty"`
	Metrics      map[string]any       `yaml:"metrics"`
	API          map[string]any       `yaml:"api"`
	Retention    map[string]string    `yaml:"retention"`
}

func newConfigView(cfg *config.Config) configView {
	return configView{
		Sources:     cfg.Sources,
		Name:        cfg.Name,
		LogLevel:    cfg.LogLevel,
		LogCalls:    cfg.LogCalls,
		StoragePath: cfg.StoragePath,
		OpenAI: map[string]any{
			"provider":    cfg.OpenAI.Provider,
			"api_key":     redact.Key(cfg.OpenAI.APIKey),
			"base_url":    cfg.OpenAI.BaseURL,
			"model":       cfg.OpenAI.Model,
			"temperature": cfg.OpenAI.Temperature,
			"stream":      cfg.OpenAI.Stream,
			"n":           cfg.OpenAI.N,
		},
		Retry: map[string]any{
			"max_attempts": cfg.Retry.MaxAttempts,
			"backoff":      cfg.Retry.Backoff.String(),
			"max_backoff":  cfg.Retry.MaxBackoff.String(),
		},
		Chat: map[string]string{
			"username":    cfg.Chat.Username,
			"bot_name":    cfg.Chat.BotName,
			"system_name": cfg.Chat.SystemName,
		},
		Instructions: cfg.Instructions,
		Tokens: map[string]int{
			"per_message":   cfg.Tokens.PerMessage,
			"reply_priming": cfg.Tokens.ReplyPriming,
		},
		Summarizer: map[string]any{
			"model":     cfg.Summarizer.Model,
			"n_words":   cfg.Summarizer.NWords,
			"language":  cfg.Summarizer.Language,
			"max_depth": cfg.Summarizer.MaxDepth,
		},
		ActorsPath: cfg.ActorsPath,
		Actors:     cfg.Actors,
		Tiers:      cfg.Tiers,
		Metrics: map[string]any{
			"enabled": cfg.Metrics.Enabled,
			"addr":    cfg.Metrics.Addr,
		},
		API: map[string]any{
			"enabled":     cfg.API.Enabled,
			"port":        cfg.API.Port,
			"api_key":     redact.Key(cfg.API.APIKey),
			"rate_limit":  cfg.API.RateLimit,
			"rate_window": cfg.API.RateWindow.String(),
		},
		Retention: map[string]string{
			"schedule": cfg.Retention.Schedule,
			"max_age":  cfg.Retention.MaxAge.String(),
		},
	}
}

func newConfigShowCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the merged configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# Config file: %s\n", valueOr(cfg.ConfigPath, "(none, using defaults)"))

			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(newConfigView(cfg)); err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			return enc.Close()
		},
	}
}

func newConfigSetCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set one key in the config file. Parent files and environment
variables are left untouched.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value, err := parseValue(key, args[1])
			if err != nil {
				return err
			}

			configPath := rt.configPath
			if configPath == "" {
				configPath = config.DefaultPath()
			}
			if configPath, err = configPathOrDefault(configPath); err != nil {
				return err
			}

			if err := config.SetValue(configPath, key, value); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			rt.cfg = nil

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s\n", key, configPath)
			return nil
		},
	}
}

// parseValue converts a command line value to the type stored under key.
func parseValue(key, value string) (any, error) {
	switch key {
	case "name", "log_level",
		"openai.provider", "openai.api_key", "openai.model", "openai.base_url",
		"chat.username", "chat.bot_name", "summarizer.language":
		return value, nil
	case "openai.temperature":
		t, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return t, nil
	case "summarizer.n_words":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
}

func newConfigTiersCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Show model tiers and their context limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}
			table, err := agent.TiersFromConfig(cfg.Tiers)
			if err != nil {
				return err
			}

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "MODEL\tLIMIT\tSUMMARY LIMIT\tUPGRADE\t")
			for _, t := range table.Tiers() {
				marker := ""
				if t.ID == cfg.OpenAI.Model {
					marker = "*"
				}
				fmt.Fprintf(writer, "%s%s\t%d\t%d\t%s\t\n", t.ID, marker, t.Limit, t.SummaryLimit, valueOr(t.Upgrade, "-"))
			}
			return writer.Flush()
		},
	}
}

func newConfigActorsCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "actors",
		Short: "Show the actor registry in its file format",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}
			actors := cfg.Actors
			if len(actors) == 0 {
				actors = agent.DefaultActors()
			}
			data, err := config.MarshalActors(actors)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
