package agent

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"rai/internal/ai"
	"rai/internal/config"
	"rai/internal/logger"
)

// ActorKind tags the implementation an actor entry instantiates.
type ActorKind string

const (
	KindTokenCounter ActorKind = "token_counter"
	KindSummarizer   ActorKind = "summarizer"
	KindQA           ActorKind = "qa"
)

// Well-known actor names the context manager looks up.
const (
	ActorTokenCounter = "token_counter"
	ActorSummarizer   = "summarizer"
	ActorQA           = "qa"
)

var (
	// ErrUnknownActorKind is returned for registry entries with an unknown kind.
	ErrUnknownActorKind = errors.New("unknown actor kind")
	// ErrActorType is returned when a well-known name is bound to the wrong kind.
	ErrActorType = errors.New("actor has unexpected kind")
)

// Deps are the shared collaborators actors are built from.
type Deps struct {
	Client         ai.Client
	Tiers          *TierTable
	Model          string
	Sampling       ai.Sampling
	EncoderFactory EncoderFactory
	PerMessage     int
	ReplyPriming   int
	Summary        SummarizerConfig
}

type actorFactory func(name string, params map[string]any, deps Deps, reg *ActorRegistry) (any, error)

var factories = map[ActorKind]actorFactory{
	KindTokenCounter: newTokenCounterActor,
	KindQA:           newQAActor,
	KindSummarizer:   newSummarizerActor,
}

// summarizers are built last so they can reuse a configured QA actor.
var buildOrder = map[ActorKind]int{
	KindTokenCounter: 0,
	KindQA:           1,
	KindSummarizer:   2,
}

// ActorRegistry holds the named actors of one conversation
type ActorRegistry struct {
	actors map[string]any
	kinds  map[string]ActorKind
	order  []string
	synced []ModelSyncer
}

// DefaultActors returns the registry used when none is configured: a
// tier-synced token counter, a summarizer and a QA actor.
func DefaultActors() []config.ActorConfig {
	return []config.ActorConfig{
		{Name: ActorTokenCounter, Kind: string(KindTokenCounter), SyncModels: true},
		{Name: ActorSummarizer, Kind: string(KindSummarizer)},
		{Name: ActorQA, Kind: string(KindQA)},
	}
}

// NewActorRegistry instantiates configs. Missing well-known actors are
// filled in from DefaultActors.
func NewActorRegistry(configs []config.ActorConfig, deps Deps) (*ActorRegistry, error) {
	if deps.Tiers == nil {
		deps.Tiers = DefaultTierTable()
	}
	if deps.Model == "" {
		return nil, fmt.Errorf("actor registry: model is required")
	}

	if len(configs) == 0 {
		logger.Debugf("No actors configured, using defaults")
		configs = DefaultActors()
	} else {
		configs = withDefaults(configs)
	}

	entries := append([]config.ActorConfig(nil), configs...)
	sort.SliceStable(entries, func(i, j int) bool {
		return buildOrder[ActorKind(entries[i].Kind)] < buildOrder[ActorKind(entries[j].Kind)]
	})

	reg := &ActorRegistry{
		actors: make(map[string]any, len(entries)),
		kinds:  make(map[string]ActorKind, len(entries)),
	}

	for _, cfg := range entries {
		if cfg.Name == "" {
			return nil, fmt.Errorf("actor name cannot be empty")
		}
		if _, dup := reg.actors[cfg.Name]; dup {
			return nil, fmt.Errorf("actor %s defined twice", cfg.Name)
		}

		kind := ActorKind(cfg.Kind)
		factory, ok := factories[kind]
		if !ok {
			return nil, fmt.Errorf("actor %s: %w: %q", cfg.Name, ErrUnknownActorKind, cfg.Kind)
		}

		actor, err := factory(cfg.Name, cfg.Params, deps, reg)
		if err != nil {
			return nil, fmt.Errorf("actor %s: %w", cfg.Name, err)
		}

		reg.actors[cfg.Name] = actor
		reg.kinds[cfg.Name] = kind

		if cfg.SyncModels {
			syncer, ok := actor.(ModelSyncer)
			if !ok {
				return nil, fmt.Errorf("actor %s cannot follow model changes", cfg.Name)
			}
			reg.synced = append(reg.synced, syncer)
		}
		logger.Debugf("Actor '%s' loaded (kind: %s, synced: %v)", cfg.Name, kind, cfg.SyncModels)
	}

	for _, cfg := range configs {
		reg.order = append(reg.order, cfg.Name)
	}

	if _, err := reg.TokenCounter(); err != nil {
		return nil, err
	}
	if _, err := reg.Summarizer(); err != nil {
		return nil, err
	}
	return reg, nil
}

func withDefaults(configs []config.ActorConfig) []config.ActorConfig {
	present := make(map[string]bool, len(configs))
	for _, c := range configs {
		present[c.Name] = true
	}

	out := append([]config.ActorConfig(nil), configs...)
	for _, d := range DefaultActors() {
		if !present[d.Name] {
			logger.Debugf("Actor '%s' not configured, adding default", d.Name)
			out = append(out, d)
		}
	}
	return out
}

// Get returns an actor by name
func (r *ActorRegistry) Get(name string) (any, bool) {
	a, ok := r.actors[name]
	return a, ok
}

// Kind returns the kind of a named actor
func (r *ActorRegistry) Kind(name string) (ActorKind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// List returns all actor names in configuration order
func (r *ActorRegistry) List() []string {
	return append([]string(nil), r.order...)
}

// Synced returns the actors that follow tier changes
func (r *ActorRegistry) Synced() []ModelSyncer {
	return append([]ModelSyncer(nil), r.synced...)
}

// TokenCounter returns the actor named token_counter
func (r *ActorRegistry) TokenCounter() (*TokenCounter, error) {
	a, ok := r.actors[ActorTokenCounter]
	if !ok {
		return nil, fmt.Errorf("actor %s is not configured", ActorTokenCounter)
	}
	tc, ok := a.(*TokenCounter)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrActorType, ActorTokenCounter, a)
	}
	return tc, nil
}

// Summarizer returns the actor named summarizer
func (r *ActorRegistry) Summarizer() (*Summarizer, error) {
	a, ok := r.actors[ActorSummarizer]
	if !ok {
		return nil, fmt.Errorf("actor %s is not configured", ActorSummarizer)
	}
	s, ok := a.(*Summarizer)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrActorType, ActorSummarizer, a)
	}
	return s, nil
}

// QA returns the actor named qa
func (r *ActorRegistry) QA() (*QA, error) {
	a, ok := r.actors[ActorQA]
	if !ok {
		return nil, fmt.Errorf("actor %s is not configured", ActorQA)
	}
	q, ok := a.(*QA)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrActorType, ActorQA, a)
	}
	return q, nil
}

type tokenCounterParams struct {
	Model        string `mapstructure:"model"`
	PerMessage   *int   `mapstructure:"per_message"`
	ReplyPriming *int   `mapstructure:"reply_priming"`
}

type qaParams struct {
	Model       string   `mapstructure:"model"`
	Temperature *float32 `mapstructure:"temperature"`
}

type summarizerParams struct {
	Model    string `mapstructure:"model"`
	NWords   int    `mapstructure:"n_words"`
	Language string `mapstructure:"language"`
	MaxDepth int    `mapstructure:"max_depth"`
}

func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func counterFor(model string, deps Deps, perMessage, replyPriming int) (*TokenCounter, error) {
	opts := []TokenCounterOption{WithOverheads(perMessage, replyPriming)}
	if deps.EncoderFactory != nil {
		opts = append(opts, WithEncoderFactory(deps.EncoderFactory))
	}
	return NewTokenCounter(model, opts...)
}

func newTokenCounterActor(name string, params map[string]any, deps Deps, _ *ActorRegistry) (any, error) {
	var p tokenCounterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	model := p.Model
	if model == "" {
		model = deps.Model
	}
	perMessage, replyPriming := deps.PerMessage, deps.ReplyPriming
	if p.PerMessage != nil {
		perMessage = *p.PerMessage
	}
	if p.ReplyPriming != nil {
		replyPriming = *p.ReplyPriming
	}
	return counterFor(model, deps, perMessage, replyPriming)
}

func newQAActor(name string, params map[string]any, deps Deps, _ *ActorRegistry) (any, error) {
	var p qaParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	model := p.Model
	if model == "" {
		model = deps.Model
	}
	sampling := deps.Sampling
	if p.Temperature != nil {
		sampling.Temperature = *p.Temperature
	}
	if err := sampling.Validate(); err != nil {
		return nil, err
	}
	return NewQA(deps.Client, model, sampling), nil
}

func newSummarizerActor(name string, params map[string]any, deps Deps, reg *ActorRegistry) (any, error) {
	p := summarizerParams{
		Model:    deps.Summary.Model,
		NWords:   deps.Summary.NWords,
		Language: deps.Summary.Language,
		MaxDepth: deps.Summary.MaxDepth,
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if p.Model == "" {
		p.Model = deps.Model
	}

	qa, err := reg.QA()
	if err != nil {
		qa = NewQA(deps.Client, p.Model, deps.Sampling)
	}

	counter, err := counterFor(p.Model, deps, deps.PerMessage, deps.ReplyPriming)
	if err != nil {
		return nil, err
	}

	return NewSummarizer(qa, counter, deps.Tiers, SummarizerConfig{
		Model:    p.Model,
		NWords:   p.NWords,
		Language: p.Language,
		MaxDepth: p.MaxDepth,
	})
}

// TiersFromConfig converts configured tiers, falling back to DefaultTiers.
func TiersFromConfig(tiers []config.TierConfig) (*TierTable, error) {
	if len(tiers) == 0 {
		return DefaultTierTable(), nil
	}
	out := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, Tier{ID: t.ID, Limit: t.Limit, SummaryLimit: t.SummaryLimit, Upgrade: t.Upgrade})
	}
	return NewTierTable(out)
}
