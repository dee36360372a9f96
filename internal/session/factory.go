package session

import (
	"fmt"

	"rai/internal/agent"
	"rai/internal/ai"
	"rai/internal/config"
	"rai/internal/logger"
)

// Factory builds sessions from the loaded configuration. Every session
// gets its own actor registry, since synced actors follow that session's
// tier.
type Factory struct {
	Config         *config.Config
	Client         ai.Client
	Tiers          *agent.TierTable
	EncoderFactory agent.EncoderFactory
	Recorder       Recorder
	Completions    CompletionRecorder
	Observers      []agent.Observer
}

// NewFactory resolves the tier table of cfg.
func NewFactory(cfg *config.Config, client ai.Client) (*Factory, error) {
	tiers, err := agent.TiersFromConfig(cfg.Tiers)
	if err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}
	if !tiers.Has(cfg.OpenAI.Model) {
		return nil, fmt.Errorf("model %s: %w", cfg.OpenAI.Model, agent.ErrUnknownTier)
	}
	return &Factory{Config: cfg, Client: client, Tiers: tiers}, nil
}

// Deps returns the actor dependencies derived from the configuration.
func (f *Factory) Deps() agent.Deps {
	cfg := f.Config
	return agent.Deps{
		Client:         f.Client,
		Tiers:          f.Tiers,
		Model:          cfg.OpenAI.Model,
		Sampling:       cfg.Sampling(),
		EncoderFactory: f.EncoderFactory,
		PerMessage:     cfg.Tokens.PerMessage,
		ReplyPriming:   cfg.Tokens.ReplyPriming,
		Summary: agent.SummarizerConfig{
			Model:    cfg.Summarizer.Model,
			NWords:   cfg.Summarizer.NWords,
			Language: cfg.Summarizer.Language,
			MaxDepth: cfg.Summarizer.MaxDepth,
		},
	}
}

// Actors instantiates the configured actor registry.
func (f *Factory) Actors() (*agent.ActorRegistry, error) {
	return agent.NewActorRegistry(f.Config.Actors, f.Deps())
}

// New starts a session. id may be empty to generate one.
func (f *Factory) New(id string) (*Session, error) {
	cfg := f.Config

	reg, err := f.Actors()
	if err != nil {
		return nil, err
	}
	counter, err := reg.TokenCounter()
	if err != nil {
		return nil, err
	}
	summarizer, err := reg.Summarizer()
	if err != nil {
		return nil, err
	}

	manager, err := agent.NewContextManager(counter, summarizer, f.Tiers, agent.ContextManagerConfig{
		Tier:         cfg.OpenAI.Model,
		SystemPrompt: cfg.SystemPrompt(),
		SystemAuthor: cfg.Chat.SystemName,
		Synced:       reg.Synced(),
		Observers:    f.Observers,
		Calls:        logger.Calls{Enabled: cfg.LogCalls},
	})
	if err != nil {
		return nil, err
	}

	return New(manager, f.Client, cfg.Sampling(), Options{
		ID:          id,
		Username:    cfg.Chat.Username,
		BotName:     cfg.BotName(),
		Recorder:    f.Recorder,
		Completions: f.Completions,
	})
}
