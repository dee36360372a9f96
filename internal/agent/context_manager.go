package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"rai/internal/ai"
	"rai/internal/chat"
	"rai/internal/logger"
)

// InjectionNotice is logged when an oversized message is dropped.
const InjectionNotice = "Last message is too long to proceed."

// DefaultSystemAuthor is the author of system-generated chat log entries.
const DefaultSystemAuthor = "ROOT"

const defaultMaxCompressionRounds = 4

var (
	// ErrBudgetUnsatisfiable means repeated summarization did not bring the
	// context under the active limit.
	ErrBudgetUnsatisfiable = errors.New("context cannot be brought under token limit")
	// ErrUncompressible means the context is over budget with nothing to summarize.
	ErrUncompressible = errors.New("context has nothing left to summarize")
)

// ModelSyncer is implemented by actors that follow the active tier.
type ModelSyncer interface {
	SetModel(model string) error
}

// ConversationSummarizer condenses a message sequence.
type ConversationSummarizer interface {
	Summarize(ctx context.Context, input any) (string, error)
}

// CompressionEvent describes one summarization of the context.
type CompressionEvent struct {
	Tier         string
	TokensBefore int
	TokensAfter  int
	Summarized   int
	Summary      string
}

// Observer receives context management events.
type Observer interface {
	Compressed(ev CompressionEvent)
	TierChanged(from, to string)
	InjectionBlocked(tokens, limit int)
}

// ContextManagerConfig configures a ContextManager
type ContextManagerConfig struct {
	Tier         string
	SystemPrompt string
	SystemAuthor string
	Synced       []ModelSyncer
	Observers    []Observer
	MaxRounds    int
	Calls        logger.Calls
}

// ContextManager keeps the request context of one conversation within the
// token budget of its active tier.
type ContextManager struct {
	mu           sync.Mutex
	counter      *TokenCounter
	summarizer   ConversationSummarizer
	tiers        *TierTable
	tier         string
	context      []ai.Message
	log          *chat.Log
	system       *chat.Message
	systemAuthor string
	synced       []ModelSyncer
	observers    []Observer
	maxRounds    int
	calls        logger.Calls

	// snapshot returned by Usage, republished after every change
	usage atomic.Pointer[Usage]
}

// NewContextManager starts a conversation from the system prompt.
func NewContextManager(counter *TokenCounter, summarizer ConversationSummarizer, tiers *TierTable, cfg ContextManagerConfig) (*ContextManager, error) {
	if counter == nil || summarizer == nil || tiers == nil {
		return nil, fmt.Errorf("context manager needs a token counter, a summarizer and a tier table")
	}
	if !tiers.Has(cfg.Tier) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, cfg.Tier)
	}
	if cfg.SystemAuthor == "" {
		cfg.SystemAuthor = DefaultSystemAuthor
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxCompressionRounds
	}

	system, err := chat.NewMessage(ai.RoleSystem, cfg.SystemPrompt, cfg.SystemAuthor)
	if err != nil {
		return nil, err
	}

	m := &ContextManager{
		counter:      counter,
		summarizer:   summarizer,
		tiers:        tiers,
		tier:         cfg.Tier,
		log:          chat.NewLog(),
		system:       system,
		systemAuthor: cfg.SystemAuthor,
		synced:       cfg.Synced,
		observers:    cfg.Observers,
		maxRounds:    cfg.MaxRounds,
		calls:        cfg.Calls,
	}
	m.log.Append(system)
	m.context = []ai.Message{system.Wire()}

	if err := m.syncModels(cfg.Tier); err != nil {
		return nil, err
	}
	m.publish()
	return m, nil
}

// AddObserver registers o for later events.
func (m *ContextManager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Append records msg in the chat log and the context without a budget check.
func (m *ContextManager) Append(msg *chat.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Append(msg)
	m.context = append(m.context, msg.Wire())
	m.publish()
}

// Context returns a copy of the current request context.
func (m *ContextManager) Context() []ai.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ai.Message(nil), m.context...)
}

// Tier returns the active tier id.
func (m *ContextManager) Tier() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// ChatLog returns the full dialogue record.
func (m *ContextManager) ChatLog() *chat.Log {
	return m.log
}

// SystemMessage returns the message that opens every context.
func (m *ContextManager) SystemMessage() *chat.Message {
	return m.system
}

// SystemAuthor returns the author used for generated system entries.
func (m *ContextManager) SystemAuthor() string {
	return m.systemAuthor
}

// VerifyAndCompress brings the context within the active tier's limit. It
// upgrades the tier for a single oversized message, drops that message when
// no larger tier exists, and otherwise summarizes everything between the
// system message and the last message.
func (m *ContextManager) VerifyAndCompress(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls.Wrap("VerifyAndCompress", func() error {
		return m.verify(ctx)
	})
}

func (m *ContextManager) verify(ctx context.Context) error {
	rounds := 0
	for {
		limit, err := m.tiers.LimitOf(m.tier)
		if err != nil {
			return err
		}

		total := m.counter.CountMessages(m.context)
		if total <= limit {
			return nil
		}
		logger.Debugf("context over budget: %d > %d tokens (tier %s)", total, limit, m.tier)

		if len(m.context) < 2 {
			return fmt.Errorf("%w: system message needs %d tokens, limit %d", ErrUncompressible, total, limit)
		}

		last := m.context[len(m.context)-1]
		lastTokens := m.counter.CountText(last.Content)
		if lastTokens > limit {
			next, err := m.tiers.Upgrade(m.tier)
			if errors.Is(err, ErrNoFurtherTier) {
				m.blockInjection(lastTokens, limit)
				return nil
			}
			if err != nil {
				return err
			}
			if err := m.setTier(next); err != nil {
				return err
			}
			continue
		}

		if len(m.context) < 3 {
			return fmt.Errorf("%w: %d tokens, limit %d", ErrUncompressible, total, limit)
		}
		if rounds >= m.maxRounds {
			return fmt.Errorf("%w: %d tokens after %d rounds, limit %d", ErrBudgetUnsatisfiable, total, rounds, limit)
		}
		rounds++

		if err := m.compress(ctx, total); err != nil {
			return err
		}
	}
}

// compress replaces everything between the system message and the last
// message with a system-role summary, then tries a smaller tier.
func (m *ContextManager) compress(ctx context.Context, before int) error {
	n := len(m.context)
	middle := append([]ai.Message(nil), m.context[1:n-1]...)
	last := m.context[n-1]

	summary, err := m.summarizer.Summarize(ctx, middle)
	if err != nil {
		return fmt.Errorf("compress context: %w", err)
	}

	m.context = []ai.Message{
		m.system.Wire(),
		{Role: ai.RoleSystem, Content: summary},
		last,
	}
	after := m.counter.CountMessages(m.context)
	m.publish()
	logger.Infof("context compressed: %d messages, %d -> %d tokens (tier %s)", len(middle), before, after, m.tier)

	for _, o := range m.observers {
		o.Compressed(CompressionEvent{
			Tier:         m.tier,
			TokensBefore: before,
			TokensAfter:  after,
			Summarized:   len(middle),
			Summary:      summary,
		})
	}

	return m.tryDowngrade(after)
}

// tryDowngrade moves to the lower tier when the context fits it.
func (m *ContextManager) tryDowngrade(tokens int) error {
	lower, err := m.tiers.Downgrade(m.tier)
	if errors.Is(err, ErrNoFurtherTier) {
		return nil
	}
	if err != nil {
		return err
	}

	limit, err := m.tiers.LimitOf(lower)
	if err != nil {
		return err
	}
	if tokens > limit {
		logger.Debugf("keeping tier %s: %d tokens exceed %s limit %d", m.tier, tokens, lower, limit)
		return nil
	}
	return m.setTier(lower)
}

func (m *ContextManager) blockInjection(tokens, limit int) {
	m.context = m.context[:len(m.context)-1]
	notice := chat.MustMessage(ai.RoleSystem, InjectionNotice, m.systemAuthor)
	m.log.Append(notice)
	m.publish()

	logger.Warnf("dropped oversized message: %d tokens, limit %d (tier %s)", tokens, limit, m.tier)
	for _, o := range m.observers {
		o.InjectionBlocked(tokens, limit)
	}
}

func (m *ContextManager) setTier(next string) error {
	prev := m.tier
	if err := m.syncModels(next); err != nil {
		return err
	}
	m.tier = next
	m.publish()

	logger.Infof("model tier changed: %s -> %s", prev, next)
	for _, o := range m.observers {
		o.TierChanged(prev, next)
	}
	return nil
}

func (m *ContextManager) syncModels(model string) error {
	for _, s := range m.synced {
		if err := s.SetModel(model); err != nil {
			return fmt.Errorf("sync model %s: %w", model, err)
		}
	}
	return nil
}
