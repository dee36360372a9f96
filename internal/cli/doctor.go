package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"rai/internal/agent"
	"rai/internal/config"
	"rai/internal/session"
)

type checkResult struct {
	name     string
	passed   bool
	required bool
	message  string
}

type doctorOptions struct {
	online    bool
	tokenizer bool
}

func newDoctorCommand(rt *runtime) *cobra.Command {
	var opts doctorOptions

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics to check the setup",
		Long:  `Verify the configuration, credentials, model tiers, actors and storage.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "rai diagnostics")
			fmt.Fprintln(out)

			results := runChecks(cfg, opts)
			hasFailures := false
			r := lipgloss.NewRenderer(out)
			for _, result := range results {
				printResult(out, r, result)
				if result.required && !result.passed {
					hasFailures = true
				}
			}
			fmt.Fprintln(out)

			if hasFailures {
				fmt.Fprintln(out, r.NewStyle().Foreground(lipgloss.Color("9")).Render("✗ Some required checks failed"))
				return fmt.Errorf("diagnostics failed")
			}
			fmt.Fprintln(out, r.NewStyle().Foreground(lipgloss.Color("10")).Render("✓ All required checks passed"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.online, "online", false, "Also check that the API base URL is reachable")
	cmd.Flags().BoolVar(&opts.tokenizer, "tokenizer", false, "Also load the tokenizer of the configured model")
	return cmd
}

func runChecks(cfg *config.Config, opts doctorOptions) []checkResult {
	results := []checkResult{
		checkConfigFile(cfg),
		checkAPIKey(cfg),
		checkConfigValid(cfg),
		checkTiers(cfg),
		checkActors(cfg),
		checkStoragePath(cfg),
	}
	if opts.tokenizer {
		results = append(results, checkTokenizer(cfg))
	}
	if opts.online {
		results = append(results, checkBaseURL(cfg))
	}
	return results
}

func printResult(out io.Writer, r *lipgloss.Renderer, result checkResult) {
	var symbol string
	var style lipgloss.Style

	switch {
	case result.passed:
		symbol, style = "✓", r.NewStyle().Foreground(lipgloss.Color("10"))
	case result.required:
		symbol, style = "✗", r.NewStyle().Foreground(lipgloss.Color("9"))
	default:
		symbol, style = "✗", r.NewStyle().Foreground(lipgloss.Color("11"))
	}

	line := style.Render(symbol) + " " + result.name
	if !result.required {
		line += " " + r.NewStyle().Foreground(lipgloss.Color("14")).Render("[optional]")
	}
	fmt.Fprintln(out, line)
	if result.message != "" {
		fmt.Fprintln(out, "  "+style.Render(result.message))
	}
}

func checkConfigFile(cfg *config.Config) checkResult {
	result := checkResult{name: "Config file", required: false}

	if cfg.ConfigPath == "" {
		result.message = "No config file found, using defaults. Run 'rai config init' to create one."
		return result
	}

	for _, path := range append([]string{cfg.ConfigPath}, cfg.Sources...) {
		data, err := os.ReadFile(path)
		if err != nil {
			result.message = fmt.Sprintf("Failed to read %s: %v", path, err)
			return result
		}
		if filepath.Ext(path) == ".yaml" || filepath.Ext(path) == ".yml" {
			var doc map[string]interface{}
			if err := yaml.Unmarshal(data, &doc); err != nil {
				result.message = fmt.Sprintf("Invalid YAML in %s: %v", path, err)
				return result
			}
		}
	}

	result.passed = true
	result.message = fmt.Sprintf("Found: %s", cfg.ConfigPath)
	if len(cfg.Sources) > 1 {
		result.message += fmt.Sprintf(" (merged %d files)", len(cfg.Sources))
	}
	return result
}

func checkAPIKey(cfg *config.Config) checkResult {
	result := checkResult{name: "API key", required: true}

	if cfg.OpenAI.APIKey == "" {
		result.message = fmt.Sprintf("Not set. Run 'rai config set openai.api_key <key>' or export %s.", config.CredentialEnv)
		return result
	}

	result.passed = true
	result.message = fmt.Sprintf("Set (provider: %s, model: %s)", valueOr(cfg.OpenAI.Provider, "openai"), cfg.OpenAI.Model)
	return result
}

func checkConfigValid(cfg *config.Config) checkResult {
	result := checkResult{name: "Configuration values", required: true}

	if err := cfg.Validate(); err != nil && cfg.OpenAI.APIKey != "" {
		result.message = err.Error()
		return result
	}

	result.passed = true
	return result
}

func checkTiers(cfg *config.Config) checkResult {
	result := checkResult{name: "Model tier", required: true}

	table, err := agent.TiersFromConfig(cfg.Tiers)
	if err != nil {
		result.message = err.Error()
		return result
	}
	limit, err := table.LimitOf(cfg.OpenAI.Model)
	if err != nil {
		result.message = fmt.Sprintf("%s has no tier entry; add it under tiers (known: %v)", cfg.OpenAI.Model, table.IDs())
		return result
	}

	result.passed = true
	result.message = fmt.Sprintf("%s: %d tokens", cfg.OpenAI.Model, limit)
	if up, err := table.Upgrade(cfg.OpenAI.Model); err == nil {
		result.message += fmt.Sprintf(", upgrades to %s", up)
	}
	return result
}

// fieldsEncoder approximates token counts without loading BPE ranks.
type fieldsEncoder struct{}

func (fieldsEncoder) CountTokens(text string) int { return len(strings.Fields(text)) }

func checkActors(cfg *config.Config) checkResult {
	result := checkResult{name: "Actor registry", required: true}

	f, err := session.NewFactory(cfg, nil)
	if err != nil {
		result.message = err.Error()
		return result
	}
	f.EncoderFactory = func(string) (agent.Encoder, error) { return fieldsEncoder{}, nil }

	reg, err := f.Actors()
	if err != nil {
		result.message = err.Error()
		return result
	}

	result.passed = true
	result.message = fmt.Sprintf("Actors: %v", reg.List())
	return result
}

func checkTokenizer(cfg *config.Config) checkResult {
	result := checkResult{name: "Tokenizer", required: false}

	enc, err := agent.TiktokenEncoder(cfg.OpenAI.Model)
	if err != nil {
		result.message = err.Error()
		return result
	}
	result.passed = true
	result.message = fmt.Sprintf("Loaded (\"hello world\" = %d tokens)", enc.CountTokens("hello world"))
	return result
}

func checkStoragePath(cfg *config.Config) checkResult {
	result := checkResult{name: "Storage path", required: false}

	if cfg.StoragePath == "" {
		result.message = "Not configured, conversations are not persisted"
		return result
	}
	if cfg.StoragePath == ":memory:" {
		result.passed = true
		result.message = "In memory"
		return result
	}

	dir := filepath.Dir(cfg.StoragePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.message = fmt.Sprintf("Directory doesn't exist and cannot be created: %s", dir)
		return result
	}

	testFile := filepath.Join(dir, ".rai-write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		result.message = fmt.Sprintf("Directory not writable: %s", dir)
		return result
	}
	os.Remove(testFile)

	result.passed = true
	result.message = fmt.Sprintf("Exists and writable: %s", dir)
	return result
}

func checkBaseURL(cfg *config.Config) checkResult {
	result := checkResult{name: "API base URL reachable", required: false}

	baseURL := cfg.OpenAI.BaseURL
	if baseURL == "" {
		switch cfg.OpenAI.Provider {
		case "", "openai":
			baseURL = "https://api.openai.com"
		case "openrouter":
			baseURL = "https://openrouter.ai"
		default:
			result.passed = true
			result.message = "Skipping (custom provider without base_url)"
			return result
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodHead, baseURL, nil)
	if err != nil {
		result.message = fmt.Sprintf("Invalid URL: %v", err)
		return result
	}
	resp, err := client.Do(req)
	if err != nil {
		result.message = fmt.Sprintf("Cannot reach %s: %v", baseURL, err)
		return result
	}
	resp.Body.Close()

	result.passed = true
	result.message = fmt.Sprintf("Reachable: %s", baseURL)
	return result
}
