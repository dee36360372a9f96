package agent

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"rai/internal/ai"
	"rai/internal/chat"
)

type managerFixture struct {
	manager  *ContextManager
	counter  *TokenCounter
	client   *fakeClient
	observer *recordingObserver
}

func newManagerFixture(t *testing.T, tiers *TierTable, tier, system string, reply func(ai.Request) (ai.Message, error)) *managerFixture {
	t.Helper()

	client := &fakeClient{reply: reply}
	counter := newWordCounter(t, tier)
	summarizer := newTestSummarizer(t, client, tiers, tier)
	observer := &recordingObserver{}

	m, err := NewContextManager(counter, summarizer, tiers, ContextManagerConfig{
		Tier:         tier,
		SystemPrompt: system,
		Synced:       []ModelSyncer{counter},
		Observers:    []Observer{observer},
	})
	if err != nil {
		t.Fatalf("NewContextManager() error = %v", err)
	}
	return &managerFixture{manager: m, counter: counter, client: client, observer: observer}
}

func TestNewContextManager(t *testing.T) {
	f := newManagerFixture(t, DefaultTierTable(), "gpt-4", "role: assistant", nil)

	ctx := f.manager.Context()
	if len(ctx) != 1 || ctx[0].Role != ai.RoleSystem || ctx[0].Content != "role: assistant" {
		t.Fatalf("initial context = %+v", ctx)
	}
	if f.manager.ChatLog().Len() != 1 {
		t.Errorf("chat log length = %d, want 1", f.manager.ChatLog().Len())
	}
	if f.manager.SystemMessage().Author() != DefaultSystemAuthor {
		t.Errorf("system author = %q", f.manager.SystemMessage().Author())
	}

	_, err := NewContextManager(f.counter, &Summarizer{}, DefaultTierTable(), ContextManagerConfig{Tier: "gpt-9"})
	if !errors.Is(err, ErrUnknownTier) {
		t.Errorf("unknown tier error = %v", err)
	}
}

func TestContextManager_UnderBudgetIsUnchanged(t *testing.T) {
	f := newManagerFixture(t, DefaultTierTable(), "gpt-3.5-turbo", "be brief", nil)
	f.manager.Append(userMsg(words(100)))
	f.manager.Append(botMsg(words(100)))

	before := f.manager.Context()
	for i := 0; i < 2; i++ {
		if err := f.manager.VerifyAndCompress(context.Background()); err != nil {
			t.Fatalf("VerifyAndCompress() error = %v", err)
		}
	}

	if !reflect.DeepEqual(before, f.manager.Context()) {
		t.Error("context changed although it was within budget")
	}
	if f.client.Calls() != 0 {
		t.Errorf("summarizer calls = %d, want 0", f.client.Calls())
	}
	if f.manager.Tier() != "gpt-3.5-turbo" {
		t.Errorf("tier = %q", f.manager.Tier())
	}
}

func TestContextManager_BlocksOversizedMessageOnTopTier(t *testing.T) {
	tiers := mustTiers(t, Tier{ID: "small", Limit: 3500, SummaryLimit: 3000})
	f := newManagerFixture(t, tiers, "small", "", nil)

	f.manager.Append(userMsg(words(4000)))
	if got := f.counter.CountMessages(f.manager.Context()); got != 4000 {
		t.Fatalf("context tokens = %d, want 4000", got)
	}

	if err := f.manager.VerifyAndCompress(context.Background()); err != nil {
		t.Fatalf("VerifyAndCompress() error = %v", err)
	}

	ctx := f.manager.Context()
	if len(ctx) != 1 || ctx[0].Role != ai.RoleSystem {
		t.Errorf("context = %+v, want only the system message", ctx)
	}

	log := f.manager.ChatLog().Messages()
	if len(log) != 3 {
		t.Fatalf("chat log length = %d, want 3", len(log))
	}
	notice := log[2]
	if notice.Role() != ai.RoleSystem || notice.Content() != InjectionNotice || notice.Author() != DefaultSystemAuthor {
		t.Errorf("notice = %s", notice)
	}
	if f.client.Calls() != 0 {
		t.Errorf("summarizer calls = %d, want 0", f.client.Calls())
	}
	if f.observer.blocked != 1 {
		t.Errorf("InjectionBlocked events = %d, want 1", f.observer.blocked)
	}
}

func TestContextManager_SummarizesMiddle(t *testing.T) {
	f := newManagerFixture(t, DefaultTierTable(), "gpt-3.5-turbo", "", replyWith("a short summary of the chat"))

	for i := 0; i < 19; i++ {
		if i%2 == 0 {
			f.manager.Append(userMsg(words(200)))
		} else {
			f.manager.Append(botMsg(words(200)))
		}
	}
	last := userMsg(words(200))
	f.manager.Append(last)

	if err := f.manager.VerifyAndCompress(context.Background()); err != nil {
		t.Fatalf("VerifyAndCompress() error = %v", err)
	}

	ctx := f.manager.Context()
	if len(ctx) != 3 {
		t.Fatalf("context length = %d, want 3", len(ctx))
	}
	if ctx[0] != f.manager.SystemMessage().Wire() {
		t.Errorf("context[0] = %+v, want system message", ctx[0])
	}
	if ctx[1].Role != ai.RoleSystem || ctx[1].Content != "a short summary of the chat" {
		t.Errorf("context[1] = %+v, want summary", ctx[1])
	}
	if ctx[2] != last.Wire() {
		t.Errorf("context[2] = %+v, want last message", ctx[2])
	}

	if f.client.Calls() != 1 {
		t.Errorf("summarizer calls = %d, want 1", f.client.Calls())
	}
	if f.manager.ChatLog().Len() != 21 {
		t.Errorf("chat log length = %d, want 21", f.manager.ChatLog().Len())
	}
	if f.manager.Tier() != "gpt-3.5-turbo" {
		t.Errorf("tier = %q", f.manager.Tier())
	}

	if len(f.observer.compressed) != 1 {
		t.Fatalf("compression events = %d", len(f.observer.compressed))
	}
	ev := f.observer.compressed[0]
	if ev.Summarized != 19 || ev.TokensBefore != 4000 || ev.TokensAfter != 206 {
		t.Errorf("compression event = %+v", ev)
	}
}

func TestContextManager_UpgradesForLongMessage(t *testing.T) {
	f := newManagerFixture(t, DefaultTierTable(), "gpt-3.5-turbo", "be brief", nil)
	f.manager.Append(userMsg(words(4000)))

	if err := f.manager.VerifyAndCompress(context.Background()); err != nil {
		t.Fatalf("VerifyAndCompress() error = %v", err)
	}

	if f.manager.Tier() != "gpt-3.5-turbo-16k" {
		t.Errorf("tier = %q, want gpt-3.5-turbo-16k", f.manager.Tier())
	}
	if f.counter.Model() != "gpt-3.5-turbo-16k" {
		t.Errorf("synced counter model = %q", f.counter.Model())
	}
	if len(f.manager.Context()) != 2 {
		t.Errorf("context length = %d, want 2", len(f.manager.Context()))
	}
	if len(f.observer.tiers) != 1 || f.observer.tiers[0] != [2]string{"gpt-3.5-turbo", "gpt-3.5-turbo-16k"} {
		t.Errorf("tier events = %v", f.observer.tiers)
	}
}

func TestContextManager_DowngradesAfterCompression(t *testing.T) {
	f := newManagerFixture(t, DefaultTierTable(), "gpt-3.5-turbo-16k", "be brief", replyWith("short summary"))
	for i := 0; i < 20; i++ {
		f.manager.Append(userMsg(words(800)))
	}
	f.manager.Append(userMsg(words(100)))

	if err := f.manager.VerifyAndCompress(context.Background()); err != nil {
		t.Fatalf("VerifyAndCompress() error = %v", err)
	}

	if f.manager.Tier() != "gpt-3.5-turbo" {
		t.Errorf("tier = %q, want gpt-3.5-turbo", f.manager.Tier())
	}
	if f.counter.Model() != "gpt-3.5-turbo" {
		t.Errorf("synced counter model = %q", f.counter.Model())
	}
	if len(f.manager.Context()) != 3 {
		t.Errorf("context length = %d, want 3", len(f.manager.Context()))
	}
}

func TestContextManager_KeepsTierWhenLowerDoesNotFit(t *testing.T) {
	f := newManagerFixture(t, DefaultTierTable(), "gpt-3.5-turbo-16k", "", replyWith("short summary"))
	for i := 0; i < 11; i++ {
		f.manager.Append(userMsg(words(1000)))
	}
	f.manager.Append(userMsg(words(5000)))

	if err := f.manager.VerifyAndCompress(context.Background()); err != nil {
		t.Fatalf("VerifyAndCompress() error = %v", err)
	}
	if f.manager.Tier() != "gpt-3.5-turbo-16k" {
		t.Errorf("tier = %q, want gpt-3.5-turbo-16k", f.manager.Tier())
	}
	if len(f.observer.tiers) != 0 {
		t.Errorf("tier events = %v, want none", f.observer.tiers)
	}
}

func TestContextManager_BoundedRounds(t *testing.T) {
	f := newManagerFixture(t, DefaultTierTable(), "gpt-3.5-turbo", "", replyWith(words(4000)))
	for i := 0; i < 19; i++ {
		f.manager.Append(userMsg(words(200)))
	}
	f.manager.Append(userMsg(words(200)))

	err := f.manager.VerifyAndCompress(context.Background())
	if !errors.Is(err, ErrBudgetUnsatisfiable) {
		t.Fatalf("error = %v, want ErrBudgetUnsatisfiable", err)
	}
	if f.client.Calls() != defaultMaxCompressionRounds {
		t.Errorf("summarizer calls = %d, want %d", f.client.Calls(), defaultMaxCompressionRounds)
	}
	if ctx := f.manager.Context(); ctx[0].Role != ai.RoleSystem {
		t.Errorf("context[0] = %+v, want system message", ctx[0])
	}
}

func TestContextManager_Uncompressible(t *testing.T) {
	f := newManagerFixture(t, DefaultTierTable(), "gpt-3.5-turbo", words(4000), nil)
	f.manager.Append(userMsg("hello"))

	if err := f.manager.VerifyAndCompress(context.Background()); !errors.Is(err, ErrUncompressible) {
		t.Errorf("error = %v, want ErrUncompressible", err)
	}
}

func TestContextManager_SummarizerFailure(t *testing.T) {
	boom := errors.New("rate limited")
	f := newManagerFixture(t, DefaultTierTable(), "gpt-3.5-turbo", "", func(ai.Request) (ai.Message, error) {
		return ai.Message{}, boom
	})
	for i := 0; i < 20; i++ {
		f.manager.Append(userMsg(words(200)))
	}
	before := f.manager.Context()

	if err := f.manager.VerifyAndCompress(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want summarizer error", err)
	}
	if !reflect.DeepEqual(before, f.manager.Context()) {
		t.Error("context changed after failed compression")
	}
}

func TestContextManager_RandomConversations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tiers := DefaultTierTable()

	for trial := 0; trial < 50; trial++ {
		f := newManagerFixture(t, tiers, "gpt-3.5-turbo", "you are a helpful assistant", replyWith("brief summary"))

		n := 1 + rng.Intn(30)
		for i := 0; i < n; i++ {
			role := ai.RoleUser
			if i%2 == 1 {
				role = ai.RoleAssistant
			}
			f.manager.Append(chat.MustMessage(role, words(1+rng.Intn(800)), "someone"))
		}

		if err := f.manager.VerifyAndCompress(context.Background()); err != nil {
			t.Fatalf("trial %d: VerifyAndCompress() error = %v", trial, err)
		}

		ctx := f.manager.Context()
		if ctx[0] != f.manager.SystemMessage().Wire() {
			t.Fatalf("trial %d: context[0] = %+v", trial, ctx[0])
		}
		limit, _ := tiers.LimitOf(f.manager.Tier())
		if total := f.counter.CountMessages(ctx); total > limit {
			t.Fatalf("trial %d: %d tokens exceed limit %d", trial, total, limit)
		}

		calls := f.client.Calls()
		if err := f.manager.VerifyAndCompress(context.Background()); err != nil {
			t.Fatalf("trial %d: second VerifyAndCompress() error = %v", trial, err)
		}
		if !reflect.DeepEqual(ctx, f.manager.Context()) || f.client.Calls() != calls {
			t.Fatalf("trial %d: second call changed the context", trial)
		}
	}
}

func TestContextManager_Usage(t *testing.T) {
	f := newManagerFixture(t, DefaultTierTable(), "gpt-4", "", nil)
	f.manager.Append(userMsg(words(6000)))

	u := f.manager.Usage()
	if u.Tier != "gpt-4" || u.Tokens != 6000 || u.Limit != 7500 || u.Messages != 2 {
		t.Errorf("Usage() = %+v", u)
	}
	if u.Status != "warning" {
		t.Errorf("status = %q, want warning", u.Status)
	}
	if got := u.String(); got != "gpt-4: 6.0k / 7.5k tokens (80%, warning)" {
		t.Errorf("String() = %q", got)
	}
}

// blockingSummarizer holds Summarize until release is closed.
type blockingSummarizer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSummarizer) Summarize(ctx context.Context, input any) (string, error) {
	close(b.started)
	<-b.release
	return "summary", nil
}

func TestContextManager_UsageDuringCompression(t *testing.T) {
	tiers := DefaultTierTable()
	counter := newWordCounter(t, "gpt-3.5-turbo")
	summarizer := &blockingSummarizer{started: make(chan struct{}), release: make(chan struct{})}

	m, err := NewContextManager(counter, summarizer, tiers, ContextManagerConfig{Tier: "gpt-3.5-turbo"})
	if err != nil {
		t.Fatalf("NewContextManager() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		m.Append(userMsg(words(200)))
	}

	done := make(chan error, 1)
	go func() { done <- m.VerifyAndCompress(context.Background()) }()
	<-summarizer.started

	got := make(chan Usage, 1)
	go func() { got <- m.Usage() }()
	select {
	case u := <-got:
		if u.Tokens != 4000 || u.Messages != 21 {
			t.Errorf("Usage() during compression = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("Usage() blocked while the context was being summarized")
	}

	close(summarizer.release)
	if err := <-done; err != nil {
		t.Fatalf("VerifyAndCompress() error = %v", err)
	}
	if u := m.Usage(); u.Messages != 3 {
		t.Errorf("Usage() after compression = %+v, want 3 messages", u)
	}
}

func TestUsageStatus(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{0.1, "ok"},
		{0.7, "warning"},
		{0.9, "critical"},
		{1.0, "critical"},
		{1.2, "over"},
	}
	for _, tt := range tests {
		if got := usageStatus(tt.percent); got != tt.want {
			t.Errorf("usageStatus(%v) = %q, want %q", tt.percent, got, tt.want)
		}
	}
}
