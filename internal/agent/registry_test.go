package agent

import (
	"errors"
	"reflect"
	"testing"

	"rai/internal/ai"
	"rai/internal/config"
)

func testDeps(client ai.Client) Deps {
	return Deps{
		Client:         client,
		Tiers:          DefaultTierTable(),
		Model:          "gpt-3.5-turbo",
		Sampling:       ai.DefaultSampling(),
		EncoderFactory: wordFactory,
		PerMessage:     DefaultPerMessageTokens,
		ReplyPriming:   DefaultReplyPrimingTokens,
	}
}

func TestNewActorRegistry_Defaults(t *testing.T) {
	reg, err := NewActorRegistry(nil, testDeps(&fakeClient{}))
	if err != nil {
		t.Fatalf("NewActorRegistry() error = %v", err)
	}

	want := []string{ActorTokenCounter, ActorSummarizer, ActorQA}
	if got := reg.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}

	tc, err := reg.TokenCounter()
	if err != nil {
		t.Fatal(err)
	}
	if tc.Model() != "gpt-3.5-turbo" {
		t.Errorf("token counter model = %q", tc.Model())
	}

	s, err := reg.Summarizer()
	if err != nil {
		t.Fatal(err)
	}
	if s.Model() != "gpt-3.5-turbo-16k" {
		t.Errorf("summarizer model = %q", s.Model())
	}

	synced := reg.Synced()
	if len(synced) != 1 || synced[0] != ModelSyncer(tc) {
		t.Errorf("Synced() = %v, want the token counter", synced)
	}
	if kind, _ := reg.Kind(ActorQA); kind != KindQA {
		t.Errorf("Kind(qa) = %q", kind)
	}
}

func TestNewActorRegistry_Params(t *testing.T) {
	configs := []config.ActorConfig{
		{Name: ActorSummarizer, Kind: "summarizer", Params: map[string]any{"n_words": 80, "language": "English", "model": "gpt-4"}},
		{Name: ActorTokenCounter, Kind: "token_counter", Params: map[string]any{"per_message": "0", "reply_priming": 0}, SyncModels: true},
		{Name: ActorQA, Kind: "qa", Params: map[string]any{"temperature": 0.2}},
		{Name: "critic", Kind: "qa", Params: map[string]any{"model": "gpt-4"}, SyncModels: true},
	}

	client := &fakeClient{}
	reg, err := NewActorRegistry(configs, testDeps(client))
	if err != nil {
		t.Fatalf("NewActorRegistry() error = %v", err)
	}

	want := []string{ActorSummarizer, ActorTokenCounter, ActorQA, "critic"}
	if got := reg.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}

	tc, _ := reg.TokenCounter()
	if pm, rp := tc.Overheads(); pm != 0 || rp != 0 {
		t.Errorf("Overheads() = %d, %d, want 0, 0", pm, rp)
	}

	s, _ := reg.Summarizer()
	if s.Model() != "gpt-4-32k" {
		t.Errorf("summarizer model = %q, want gpt-4-32k", s.Model())
	}
	if s.nWords != 80 || s.language != "English" {
		t.Errorf("summarizer config = %d words, %s", s.nWords, s.language)
	}

	qa, _ := reg.QA()
	if qa.sampling.Temperature != 0.2 {
		t.Errorf("qa temperature = %v", qa.sampling.Temperature)
	}

	if got := len(reg.Synced()); got != 2 {
		t.Errorf("Synced() has %d actors, want 2", got)
	}
	critic, ok := reg.Get("critic")
	if !ok || critic.(*QA).Model() != "gpt-4" {
		t.Errorf("critic = %v", critic)
	}
}

func TestNewActorRegistry_FillsMissingActors(t *testing.T) {
	configs := []config.ActorConfig{{Name: "critic", Kind: "qa"}}
	reg, err := NewActorRegistry(configs, testDeps(&fakeClient{}))
	if err != nil {
		t.Fatalf("NewActorRegistry() error = %v", err)
	}
	if _, err := reg.TokenCounter(); err != nil {
		t.Error(err)
	}
	if _, err := reg.Summarizer(); err != nil {
		t.Error(err)
	}
	if len(reg.List()) != 4 {
		t.Errorf("List() = %v", reg.List())
	}
}

func TestNewActorRegistry_Errors(t *testing.T) {
	tests := []struct {
		name    string
		configs []config.ActorConfig
		wantErr error
	}{
		{
			name:    "unknown kind",
			configs: []config.ActorConfig{{Name: "x", Kind: "translator"}},
			wantErr: ErrUnknownActorKind,
		},
		{
			name:    "well-known name with wrong kind",
			configs: []config.ActorConfig{{Name: ActorSummarizer, Kind: "qa"}},
			wantErr: ErrActorType,
		},
		{
			name:    "too many summary words",
			configs: []config.ActorConfig{{Name: ActorSummarizer, Kind: "summarizer", Params: map[string]any{"n_words": 500}}},
			wantErr: ErrTooManyWords,
		},
		{
			name:    "invalid temperature",
			configs: []config.ActorConfig{{Name: ActorQA, Kind: "qa", Params: map[string]any{"temperature": 3}}},
			wantErr: ai.ErrUnsupportedSampling,
		},
		{
			name:    "unknown summarizer model",
			configs: []config.ActorConfig{{Name: ActorSummarizer, Kind: "summarizer", Params: map[string]any{"model": "llama"}}},
			wantErr: ErrUnknownTier,
		},
		{name: "unknown param", configs: []config.ActorConfig{{Name: ActorQA, Kind: "qa", Params: map[string]any{"top_k": 5}}}},
		{name: "empty name", configs: []config.ActorConfig{{Kind: "qa"}}},
		{name: "duplicate", configs: []config.ActorConfig{{Name: "a", Kind: "qa"}, {Name: "a", Kind: "qa"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewActorRegistry(tt.configs, testDeps(&fakeClient{}))
			if err == nil {
				t.Fatal("NewActorRegistry() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := NewActorRegistry(nil, Deps{}); err == nil {
		t.Error("NewActorRegistry() without a model should fail")
	}
}

func TestTiersFromConfig(t *testing.T) {
	table, err := TiersFromConfig(nil)
	if err != nil || !table.Has("gpt-4-32k") {
		t.Fatalf("TiersFromConfig(nil) = %v, %v", table, err)
	}

	table, err = TiersFromConfig([]config.TierConfig{
		{ID: "local-8k", Limit: 7000, Upgrade: "local-32k"},
		{ID: "local-32k", Limit: 30000, SummaryLimit: 28000},
	})
	if err != nil {
		t.Fatalf("TiersFromConfig() error = %v", err)
	}
	if down, _ := table.Downgrade("local-32k"); down != "local-8k" {
		t.Errorf("Downgrade(local-32k) = %q", down)
	}
	if limit, _ := table.SummaryLimitOf("local-32k"); limit != 28000 {
		t.Errorf("SummaryLimitOf(local-32k) = %d", limit)
	}

	if _, err := TiersFromConfig([]config.TierConfig{{ID: "a", Limit: 10, Upgrade: "b"}}); err == nil {
		t.Error("dangling upgrade should fail")
	}
}
