package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"rai/internal/ai"
	"rai/internal/chat"
	"rai/internal/logger"
)

const (
	// MaxSummaryWords caps the requested summary length.
	MaxSummaryWords        = 200
	DefaultSummaryWords    = 50
	DefaultSummaryLanguage = "Russian"
	DefaultSummaryMaxDepth = 16
)

var (
	// ErrTooManyWords is returned for summaries longer than MaxSummaryWords.
	ErrTooManyWords = errors.New("too many words for summary")
	// ErrPromptTooLarge means the instruction alone exceeds the summary budget.
	ErrPromptTooLarge = errors.New("summary instruction exceeds token limit")
)

// SummarizerConfig configures a Summarizer
type SummarizerConfig struct {
	// Model is upgraded once through the tier table before use.
	Model    string
	NWords   int
	Language string
	// MaxDepth bounds the halving rounds before falling back to truncation.
	MaxDepth int
}

// Summarizer condenses text and conversations with the QA actor, splitting
// inputs that exceed its own token budget.
type Summarizer struct {
	tiers    *TierTable
	counter  *TokenCounter
	nWords   int
	language string
	maxDepth int

	mu    sync.RWMutex
	qa    *QA
	model string
	limit int
}

// NewSummarizer creates a summarizer. It owns counter and rebinds it to the
// summary model.
func NewSummarizer(qa *QA, counter *TokenCounter, tiers *TierTable, cfg SummarizerConfig) (*Summarizer, error) {
	if cfg.NWords == 0 {
		cfg.NWords = DefaultSummaryWords
	}
	if cfg.NWords > MaxSummaryWords {
		return nil, fmt.Errorf("%w: %d requested, maximum %d", ErrTooManyWords, cfg.NWords, MaxSummaryWords)
	}
	if cfg.NWords < 0 {
		return nil, fmt.Errorf("summary word count must be positive, got %d", cfg.NWords)
	}
	if cfg.Language == "" {
		cfg.Language = DefaultSummaryLanguage
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultSummaryMaxDepth
	}
	if cfg.Model == "" {
		cfg.Model = qa.Model()
	}

	s := &Summarizer{
		tiers:    tiers,
		counter:  counter,
		nWords:   cfg.NWords,
		language: cfg.Language,
		maxDepth: cfg.MaxDepth,
		qa:       qa,
	}
	if err := s.SetModel(cfg.Model); err != nil {
		return nil, err
	}
	return s, nil
}

// SetModel binds the summarizer to model's upgrade, if it has one.
func (s *Summarizer) SetModel(model string) error {
	bound := model
	if up, err := s.tiers.Upgrade(model); err == nil {
		bound = up
	}

	limit, err := s.tiers.SummaryLimitOf(bound)
	if err != nil {
		return fmt.Errorf("summarizer model: %w", err)
	}
	if err := s.counter.SetModel(bound); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = bound
	s.limit = limit
	s.qa = s.qa.WithModel(bound)
	return nil
}

// Model returns the bound model.
func (s *Summarizer) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Limit returns the request budget of the bound model.
func (s *Summarizer) Limit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limit
}

// Summarize accepts a string, a single message or a message sequence.
func (s *Summarizer) Summarize(ctx context.Context, input any) (string, error) {
	text, err := flatten(input)
	if err != nil {
		return "", err
	}
	return s.summarizeText(ctx, text, 0)
}

func flatten(input any) (string, error) {
	switch v := input.(type) {
	case string:
		return v, nil
	case ai.Message:
		return dialogLine(v), nil
	case *chat.Message:
		if v == nil {
			return "", fmt.Errorf("%w: nil message", ErrUnsupportedInputKind)
		}
		return dialogLine(v.Wire()), nil
	case []ai.Message:
		lines := make([]string, 0, len(v))
		for _, m := range v {
			lines = append(lines, dialogLine(m))
		}
		return strings.Join(lines, "\n"), nil
	case []*chat.Message:
		lines := make([]string, 0, len(v))
		for _, m := range v {
			if m == nil {
				return "", fmt.Errorf("%w: nil message in sequence", ErrUnsupportedInputKind)
			}
			lines = append(lines, dialogLine(m.Wire()))
		}
		return strings.Join(lines, "\n"), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedInputKind, input)
	}
}

func dialogLine(m ai.Message) string {
	return fmt.Sprintf("[%s]: %s", m.Role, m.Content)
}

// request wraps text in the summary instruction.
func (s *Summarizer) request(text string) string {
	return fmt.Sprintf("<INSTRUCTION>\n"+
		"Write a short summary of the text below.\n"+
		"The summary must contain at most %d words.\n"+
		"Write the answer in %s.\n"+
		"<TEXT>\n%s", s.nWords, s.language, text)
}

func (s *Summarizer) fits(text string) bool {
	return s.counter.CountText(s.request(text)) <= s.Limit()
}

func (s *Summarizer) ask(ctx context.Context, text string) (string, error) {
	s.mu.RLock()
	qa := s.qa
	s.mu.RUnlock()

	summary, err := qa.Ask(ctx, s.request(text))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return summary, nil
}

func (s *Summarizer) summarizeText(ctx context.Context, text string, depth int) (string, error) {
	if s.fits(text) {
		return s.ask(ctx, text)
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 2 || depth >= s.maxDepth {
		return s.truncateAndSummarize(ctx, text)
	}

	mid := len(lines) / 2
	first := strings.Join(lines[:mid], "\n")
	if !s.fits(first) {
		return s.truncateAndSummarize(ctx, text)
	}

	logger.Debugf("summarizer: splitting %d lines at depth %d", len(lines), depth)
	head, err := s.ask(ctx, first)
	if err != nil {
		return "", err
	}

	next := head + "\n" + strings.Join(lines[mid:], "\n")
	return s.summarizeText(ctx, next, depth+1)
}

// truncateAndSummarize keeps the longest prefix of text whose request fits.
func (s *Summarizer) truncateAndSummarize(ctx context.Context, text string) (string, error) {
	if !s.fits("") {
		return "", fmt.Errorf("%w: limit %d", ErrPromptTooLarge, s.Limit())
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.fits(string(runes[:mid])) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	logger.Warnf("summarizer: input truncated from %d to %d characters", len(runes), lo)
	return s.ask(ctx, string(runes[:lo]))
}
