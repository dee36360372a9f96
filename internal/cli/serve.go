package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rai/internal/logger"
)

func newServeCommand(rt *runtime) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		Long: `Serve many independent conversations over HTTP, run the session
retention job and reload the configuration when its files change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.API.Enabled = true
				cfg.API.Port = port
			}
			if cfg.API.Enabled && cfg.API.APIKey == "" {
				logger.Warnf("API key not configured, the HTTP API accepts every request")
			}

			a, err := rt.newApp()
			if err != nil {
				return err
			}
			defer a.Stop()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Starting rai...")
			fmt.Fprintf(out, "   Config: %s\n", valueOr(cfg.ConfigPath, "(defaults)"))
			fmt.Fprintf(out, "   Model:  %s\n", cfg.OpenAI.Model)
			if cfg.API.Enabled {
				fmt.Fprintf(out, "   API:    http://localhost:%d/api\n", cfg.API.Port)
			}

			if err := a.Serve(cmd.Context()); err != nil {
				return fmt.Errorf("failed to serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Enable the API on this port (overrides api.port)")
	return cmd
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
