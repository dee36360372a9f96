package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"rai/internal/ai"
	"rai/internal/chat"
	"rai/internal/errorx"
	"rai/internal/logger"
	"rai/internal/sanitize"
	"rai/internal/session"
)

// Options configures the console front end
type Options struct {
	// Markdown renders bot replies with glamour using Style.
	Markdown bool
	Style    string
	Width    int
	// ShowUsage prints the context usage line after every answer.
	ShowUsage bool
}

// Console runs a session as a line-based terminal dialogue. The bot speaks
// first; an empty line ends the dialogue.
type Console struct {
	session  *session.Session
	in       *bufio.Scanner
	out      io.Writer
	opts     Options
	markdown *glamour.TermRenderer

	userStyle   lipgloss.Style
	botStyle    lipgloss.Style
	systemStyle lipgloss.Style
	errorStyle  lipgloss.Style
	usageStyle  lipgloss.Style
}

// New creates a console reading from in and writing to out.
func New(s *session.Session, in io.Reader, out io.Writer, opts Options) (*Console, error) {
	if opts.Width <= 0 {
		opts.Width = 100
	}
	if opts.Style == "" {
		opts.Style = "dark"
	}

	r := lipgloss.NewRenderer(out)
	c := &Console{
		session:     s,
		in:          bufio.NewScanner(in),
		out:         out,
		opts:        opts,
		userStyle:   r.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		botStyle:    r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		systemStyle: r.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
		errorStyle:  r.NewStyle().Foreground(lipgloss.Color("9")),
		usageStyle:  r.NewStyle().Foreground(lipgloss.Color("241")),
	}
	c.in.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if opts.Markdown {
		md, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(opts.Style),
			glamour.WithWordWrap(opts.Width),
		)
		if err != nil {
			return nil, fmt.Errorf("markdown renderer: %w", err)
		}
		c.markdown = md
	}
	return c, nil
}

// Run drives the dialogue until the user enters an empty line, the input
// ends or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	if err := c.answer(ctx); err != nil {
		return err
	}

	for !c.session.IsOver() {
		fmt.Fprint(c.out, c.userStyle.Render("["+c.session.Username()+"]:")+" ")

		line, ok := c.readLine()
		if !ok {
			c.session.End()
			break
		}

		text := sanitize.Input(line)
		if text == "" && line != "" {
			// nothing left after stripping escapes, e.g. a stray arrow key
			continue
		}

		msg, err := c.session.AddUserMessage(text)
		if err != nil {
			return err
		}
		if msg == nil {
			break
		}

		if err := c.answer(ctx); err != nil {
			return err
		}
	}

	logger.Debugf("console: session %s ended after %d messages", c.session.ID(), c.session.ChatLog().Len())
	return nil
}

func (c *Console) readLine() (string, bool) {
	if c.in.Scan() {
		return c.in.Text(), true
	}
	if err := c.in.Err(); err != nil {
		logger.Warnf("console: read failed: %v", err)
	}
	return "", false
}

// answer prints the next bot message. Failures the user can act on are
// printed and the dialogue continues; cancellation stops it.
func (c *Console) answer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var res session.AnswerResult
	select {
	case res = <-c.session.AnswerAsync(ctx):
	case <-ctx.Done():
		return ctx.Err()
	}

	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, session.ErrSessionOver) {
			return res.Err
		}
		errorx.Handle(res.Err, errorx.WarningLevel, "answer failed")
		fmt.Fprintln(c.out, c.errorStyle.Render(errorx.Describe(res.Err)))
		return nil
	}

	c.print(res.Message)
	if c.opts.ShowUsage {
		fmt.Fprintln(c.out, c.usageStyle.Render(c.session.Usage().String()))
	}
	return nil
}

func (c *Console) print(msg *chat.Message) {
	if msg.Role() == ai.RoleSystem {
		fmt.Fprintln(c.out, c.systemStyle.Render(Format(msg)))
		return
	}

	content := sanitize.Output(msg.Content())
	if c.markdown != nil {
		if rendered, err := c.markdown.Render(content); err == nil {
			fmt.Fprintln(c.out, c.botStyle.Render("["+msg.Author()+"]:"))
			fmt.Fprint(c.out, rendered)
			return
		}
	}
	fmt.Fprintln(c.out, c.botStyle.Render("["+msg.Author()+"]:")+" "+content)
}

// Format renders a message as "[author]: content".
func Format(msg *chat.Message) string {
	return "[" + msg.Author() + "]: " + sanitize.Output(msg.Content())
}

// Transcript renders a whole chat log, one message per line.
func Transcript(log *chat.Log) string {
	var b strings.Builder
	for _, m := range log.Messages() {
		b.WriteString(Format(m))
		b.WriteByte('\n')
	}
	return b.String()
}
