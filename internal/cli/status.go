package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rai/internal/redact"
	"rai/internal/sanitize"
	"rai/internal/storage"
)

func newStatusCommand(rt *runtime) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration summary and recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "rai v%s\n\n", Version)

			fmt.Fprintln(out, "Model:")
			fmt.Fprintf(out, "  Provider: %s\n", valueOr(cfg.OpenAI.Provider, "openai"))
			fmt.Fprintf(out, "  Model: %s\n", cfg.OpenAI.Model)
			fmt.Fprintf(out, "  API Key: %s\n", redact.Key(cfg.OpenAI.APIKey))
			if cfg.OpenAI.BaseURL != "" {
				fmt.Fprintf(out, "  Base URL: %s\n", cfg.OpenAI.BaseURL)
			}
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Storage:")
			if cfg.StoragePath == "" {
				fmt.Fprintln(out, "  Disabled")
				return nil
			}
			fmt.Fprintf(out, "  Path: %s\n", cfg.StoragePath)

			store, err := storage.New(cfg.StoragePath)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "  No sessions recorded")
				return nil
			}

			fmt.Fprintln(out)
			writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "SESSION\tUSER\tTIER\tMESSAGES\tSUMMARIES\tUPDATED\tLAST SUMMARY")
			for _, s := range sessions {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					s.ID, s.Username, s.Tier, s.MessageCount, s.CompactionCount, s.UpdatedAt,
					valueOr(sanitize.Preview(s.LastSummary, 40), "-"))
			}
			return writer.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of recent sessions to list")
	return cmd
}
