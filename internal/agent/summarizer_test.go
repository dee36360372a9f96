package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"rai/internal/ai"
	"rai/internal/chat"
)

func newTestSummarizer(t *testing.T, client *fakeClient, tiers *TierTable, model string) *Summarizer {
	t.Helper()
	s, err := NewSummarizer(NewQA(client, model, ai.DefaultSampling()), newWordCounter(t, model), tiers, SummarizerConfig{Model: model})
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}
	return s
}

func TestNewSummarizer_Config(t *testing.T) {
	client := &fakeClient{}
	qa := NewQA(client, "gpt-3.5-turbo", ai.DefaultSampling())

	t.Run("too many words", func(t *testing.T) {
		_, err := NewSummarizer(qa, newWordCounter(t, "gpt-3.5-turbo"), DefaultTierTable(), SummarizerConfig{NWords: 201})
		if !errors.Is(err, ErrTooManyWords) {
			t.Errorf("error = %v, want ErrTooManyWords", err)
		}
	})

	t.Run("max words accepted", func(t *testing.T) {
		if _, err := NewSummarizer(qa, newWordCounter(t, "gpt-3.5-turbo"), DefaultTierTable(), SummarizerConfig{NWords: MaxSummaryWords}); err != nil {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("binds to upgraded model", func(t *testing.T) {
		s := newTestSummarizer(t, client, DefaultTierTable(), "gpt-3.5-turbo")
		if s.Model() != "gpt-3.5-turbo-16k" {
			t.Errorf("Model() = %q, want gpt-3.5-turbo-16k", s.Model())
		}
		if s.Limit() != 15000 {
			t.Errorf("Limit() = %d, want 15000", s.Limit())
		}
	})

	t.Run("top tier stays", func(t *testing.T) {
		s := newTestSummarizer(t, client, DefaultTierTable(), "gpt-4-32k")
		if s.Model() != "gpt-4-32k" || s.Limit() != 30000 {
			t.Errorf("Model() = %q, Limit() = %d", s.Model(), s.Limit())
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := NewSummarizer(qa, newWordCounter(t, "x"), DefaultTierTable(), SummarizerConfig{Model: "llama"})
		if !errors.Is(err, ErrUnknownTier) {
			t.Errorf("error = %v, want ErrUnknownTier", err)
		}
	})
}

func TestSummarizer_SingleCall(t *testing.T) {
	client := &fakeClient{reply: replyWith("  a short summary ")}
	s := newTestSummarizer(t, client, DefaultTierTable(), "gpt-3.5-turbo")

	got, err := s.Summarize(context.Background(), "The quick brown fox jumps over the lazy dog.")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "  a short summary " {
		t.Errorf("Summarize() = %q, want reply verbatim", got)
	}
	if client.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", client.Calls())
	}

	req := client.Last()
	if req.Model != "gpt-3.5-turbo-16k" {
		t.Errorf("request model = %q", req.Model)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != ai.RoleUser {
		t.Fatalf("request messages = %+v", req.Messages)
	}
	prompt := req.Messages[0].Content
	for _, want := range []string{"<INSTRUCTION>", "at most 50 words", "in Russian", "<TEXT>\nThe quick brown fox"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestSummarizer_FlattensConversation(t *testing.T) {
	client := &fakeClient{}
	s := newTestSummarizer(t, client, DefaultTierTable(), "gpt-4")

	input := []*chat.Message{userMsg("hi there"), botMsg("hello")}
	if _, err := s.Summarize(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	prompt := client.Last().Messages[0].Content
	if !strings.HasSuffix(prompt, "[user]: hi there\n[assistant]: hello") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestSummarizer_UnsupportedInput(t *testing.T) {
	client := &fakeClient{}
	s := newTestSummarizer(t, client, DefaultTierTable(), "gpt-4")

	if _, err := s.Summarize(context.Background(), 3.14); !errors.Is(err, ErrUnsupportedInputKind) {
		t.Errorf("error = %v, want ErrUnsupportedInputKind", err)
	}
	if client.Calls() != 0 {
		t.Errorf("calls = %d, want 0", client.Calls())
	}
}

func TestSummarizer_SplitsLongText(t *testing.T) {
	client := &fakeClient{}
	var prompts []string
	client.reply = func(req ai.Request) (ai.Message, error) {
		prompts = append(prompts, req.Messages[0].Content)
		if len(prompts) == 1 {
			return ai.Message{Role: ai.RoleAssistant, Content: "head"}, nil
		}
		return ai.Message{Role: ai.RoleAssistant, Content: "final"}, nil
	}
	s := newTestSummarizer(t, client, mustTiers(t, Tier{ID: "m", Limit: 100, SummaryLimit: 60}), "m")

	overhead := s.counter.CountText(s.request(""))
	if overhead > 29 {
		t.Fatalf("instruction uses %d tokens, test needs at most 29", overhead)
	}

	lines := make([]string, 10)
	for i := range lines {
		lines[i] = fmt.Sprintf("line%d %s", i, words(5))
	}
	got, err := s.Summarize(context.Background(), strings.Join(lines, "\n"))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "final" {
		t.Errorf("Summarize() = %q, want final", got)
	}
	if len(prompts) != 2 {
		t.Fatalf("calls = %d, want 2", len(prompts))
	}
	if !strings.Contains(prompts[0], "line0") || strings.Contains(prompts[0], "line5") {
		t.Errorf("first request should carry the first half:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[1], "<TEXT>\nhead\nline5") {
		t.Errorf("second request should start with the first summary:\n%s", prompts[1])
	}
	for _, p := range prompts {
		if n := s.counter.CountText(p); n > s.Limit() {
			t.Errorf("request of %d tokens exceeds limit %d", n, s.Limit())
		}
	}
}

func TestSummarizer_TruncatesSingleLine(t *testing.T) {
	client := &fakeClient{}
	s := newTestSummarizer(t, client, mustTiers(t, Tier{ID: "m", Limit: 100, SummaryLimit: 60}), "m")

	if _, err := s.Summarize(context.Background(), words(100)); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if client.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", client.Calls())
	}
	prompt := client.Last().Messages[0].Content
	if n := s.counter.CountText(prompt); n != s.Limit() {
		t.Errorf("truncated request = %d tokens, want exactly %d", n, s.Limit())
	}
}

func TestSummarizer_InstructionTooLarge(t *testing.T) {
	client := &fakeClient{}
	s := newTestSummarizer(t, client, mustTiers(t, Tier{ID: "tiny", Limit: 5}), "tiny")

	if _, err := s.Summarize(context.Background(), words(10)); !errors.Is(err, ErrPromptTooLarge) {
		t.Errorf("error = %v, want ErrPromptTooLarge", err)
	}
	if client.Calls() != 0 {
		t.Errorf("calls = %d, want 0", client.Calls())
	}
}

func TestSummarizer_TerminatesWhenSummariesDoNotShrink(t *testing.T) {
	sizes := []struct{ lines, width int }{
		{2, 40}, {10, 6}, {40, 3}, {100, 1}, {7, 30},
	}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%dx%d", size.lines, size.width), func(t *testing.T) {
			client := &fakeClient{reply: echoText}
			s := newTestSummarizer(t, client, mustTiers(t, Tier{ID: "m", Limit: 100, SummaryLimit: 60}), "m")

			lines := make([]string, size.lines)
			for i := range lines {
				lines[i] = words(size.width)
			}
			if _, err := s.Summarize(context.Background(), strings.Join(lines, "\n")); err != nil {
				t.Fatalf("Summarize() error = %v", err)
			}
			if calls := client.Calls(); calls > DefaultSummaryMaxDepth+1 {
				t.Errorf("calls = %d, want at most %d", calls, DefaultSummaryMaxDepth+1)
			}
		})
	}
}

func TestSummarizer_PropagatesClientError(t *testing.T) {
	boom := errors.New("service unavailable")
	client := &fakeClient{reply: func(ai.Request) (ai.Message, error) { return ai.Message{}, boom }}
	s := newTestSummarizer(t, client, DefaultTierTable(), "gpt-4")

	if _, err := s.Summarize(context.Background(), "text"); !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped client error", err)
	}
}
