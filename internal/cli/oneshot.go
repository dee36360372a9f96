package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"rai/internal/agent"
	"rai/internal/sanitize"
)

func newAskCommand(rt *runtime) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask a single question without a conversation",
		Long:  `Send one prompt to a QA actor and print the reply. Reads stdin when no question is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := inputText(cmd, args)
			if err != nil {
				return err
			}

			a, err := rt.newApp()
			if err != nil {
				return err
			}
			defer a.Stop()

			reg, err := a.Factory().Actors()
			if err != nil {
				return err
			}
			qa, err := lookupQA(reg, actor)
			if err != nil {
				return err
			}

			answer, err := qa.Ask(cmd.Context(), prompt)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sanitize.Output(answer))
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", agent.ActorQA, "QA actor to ask")
	return cmd
}

func lookupQA(reg *agent.ActorRegistry, name string) (*agent.QA, error) {
	a, ok := reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("actor %s is not configured (have %s)", name, strings.Join(reg.List(), ", "))
	}
	qa, ok := a.(*agent.QA)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a qa actor", agent.ErrActorType, name)
	}
	return qa, nil
}

func newSummarizeCommand(rt *runtime) *cobra.Command {
	var (
		words    int
		language string
	)

	cmd := &cobra.Command{
		Use:   "summarize [file]",
		Short: "Summarize a text file or stdin",
		Long: `Summarize text with the summarizer actor. Texts longer than the summary
model's context window are split and summarized recursively.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			text := sanitize.StripControlChars(string(data))
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("nothing to summarize")
			}

			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("words") {
				cfg.Summarizer.NWords = words
			}
			if cmd.Flags().Changed("language") {
				cfg.Summarizer.Language = language
			}

			a, err := rt.newApp()
			if err != nil {
				return err
			}
			defer a.Stop()

			reg, err := a.Factory().Actors()
			if err != nil {
				return err
			}
			s, err := reg.Summarizer()
			if err != nil {
				return err
			}

			summary, err := s.Summarize(cmd.Context(), text)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sanitize.Output(summary))
			return nil
		},
	}

	cmd.Flags().IntVarP(&words, "words", "w", 0, "Summary length in words (overrides summarizer.n_words)")
	cmd.Flags().StringVarP(&language, "language", "l", "", "Summary language (overrides summarizer.language)")
	return cmd
}

// inputText joins args, or reads stdin when there are none.
func inputText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(sanitize.Input(strings.Join(args, " "))), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimSpace(sanitize.Input(string(data)))
	if text == "" {
		return "", fmt.Errorf("no question given")
	}
	return text, nil
}
