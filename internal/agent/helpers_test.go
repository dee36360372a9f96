package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"rai/internal/ai"
	"rai/internal/chat"
)

// wordEncoder counts whitespace separated words as tokens.
type wordEncoder struct{}

func (wordEncoder) CountTokens(text string) int {
	return len(strings.Fields(text))
}

func wordFactory(string) (Encoder, error) {
	return wordEncoder{}, nil
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

// fakeClient records requests and answers with reply.
type fakeClient struct {
	mu       sync.Mutex
	requests []ai.Request
	reply    func(req ai.Request) (ai.Message, error)
}

func (c *fakeClient) Complete(ctx context.Context, req ai.Request) (ai.Message, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.reply == nil {
		return ai.Message{Role: ai.RoleAssistant, Content: "ok"}, nil
	}
	return c.reply(req)
}

func (c *fakeClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *fakeClient) Last() ai.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func replyWith(content string) func(ai.Request) (ai.Message, error) {
	return func(ai.Request) (ai.Message, error) {
		return ai.Message{Role: ai.RoleAssistant, Content: content}, nil
	}
}

// echoText answers with the text section of a summary request, so
// summaries never get shorter.
func echoText(req ai.Request) (ai.Message, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	if i := strings.Index(prompt, "<TEXT>\n"); i >= 0 {
		prompt = prompt[i+len("<TEXT>\n"):]
	}
	return ai.Message{Role: ai.RoleAssistant, Content: prompt}, nil
}

func newWordCounter(t *testing.T, model string) *TokenCounter {
	t.Helper()
	tc, err := NewTokenCounter(model, WithEncoderFactory(wordFactory), WithOverheads(0, 0))
	if err != nil {
		t.Fatalf("NewTokenCounter() error = %v", err)
	}
	return tc
}

func mustTiers(t *testing.T, tiers ...Tier) *TierTable {
	t.Helper()
	table, err := NewTierTable(tiers)
	if err != nil {
		t.Fatalf("NewTierTable() error = %v", err)
	}
	return table
}

// recordingObserver captures context manager events.
type recordingObserver struct {
	compressed []CompressionEvent
	tiers      [][2]string
	blocked    int
}

func (o *recordingObserver) Compressed(ev CompressionEvent) { o.compressed = append(o.compressed, ev) }
func (o *recordingObserver) TierChanged(from, to string)    { o.tiers = append(o.tiers, [2]string{from, to}) }
func (o *recordingObserver) InjectionBlocked(tokens, limit int) {
	o.blocked++
}

func userMsg(content string) *chat.Message {
	return chat.MustMessage(ai.RoleUser, content, "DefaultUser")
}

func botMsg(content string) *chat.Message {
	return chat.MustMessage(ai.RoleAssistant, content, "DefaultBot")
}
