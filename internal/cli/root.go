package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rai/internal/app"
	"rai/internal/config"
)

// Version is the release version, overridden at build time with -ldflags.
var Version = "0.1.0"

// runtime carries state shared by subcommands: the --config flag and
// options applied to every App a command builds.
type runtime struct {
	configPath string
	appOptions []app.Option
	cfg        *config.Config
}

func (r *runtime) loadConfig() (*config.Config, error) {
	if r.cfg != nil {
		return r.cfg, nil
	}

	var (
		cfg *config.Config
		err error
	)
	if r.configPath != "" {
		cfg, err = config.LoadFrom(r.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	r.cfg = cfg
	return cfg, nil
}

// newApp loads the configuration and initializes an App from it. Callers
// must Stop the App.
func (r *runtime) newApp() (*app.App, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		return nil, err
	}
	a := app.New(cfg, r.appOptions...)
	if err := a.Init(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewRootCommand builds the rai command tree. opts apply to every App a
// subcommand creates.
func NewRootCommand(opts ...app.Option) *cobra.Command {
	rt := &runtime{appOptions: opts}

	root := &cobra.Command{
		Use:   "rai",
		Short: "rai - chat with a language model that never runs out of context",
		Long: `rai - context-managed chat with OpenAI-compatible models

Conversations are kept within the model's context window by summarizing
older messages and switching between model tiers as needed.`,

		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rt.configPath, "config", "c", "", "config file (default ~/.rai/config.yaml)")

	root.AddCommand(newChatCommand(rt))
	root.AddCommand(newAskCommand(rt))
	root.AddCommand(newSummarizeCommand(rt))
	root.AddCommand(newServeCommand(rt))
	root.AddCommand(newConfigCommand(rt))
	root.AddCommand(newStatusCommand(rt))
	root.AddCommand(newDoctorCommand(rt))
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rai v%s (go)\n", Version)
		},
	}
}
