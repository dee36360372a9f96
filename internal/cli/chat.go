package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"rai/internal/console"
)

func newChatCommand(rt *runtime) *cobra.Command {
	var (
		opts      console.Options
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start a conversation in the terminal. The bot speaks first; an empty
line ends the dialogue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.newApp()
			if err != nil {
				return err
			}
			defer a.Stop()

			s, err := a.New(sessionID)
			if err != nil {
				return err
			}
			c, err := console.New(s, cmd.InOrStdin(), cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}

			err = c.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.Markdown, "markdown", false, "Render bot replies as markdown")
	cmd.Flags().StringVar(&opts.Style, "style", "dark", "Markdown style (dark, light, notty, ...)")
	cmd.Flags().IntVar(&opts.Width, "width", 100, "Word wrap width for markdown")
	cmd.Flags().BoolVar(&opts.ShowUsage, "usage", false, "Print context usage after every answer")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (generated when empty)")

	return cmd
}
