package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rai/internal/agent"
	"rai/internal/ai"
	"rai/internal/chat"
	"rai/internal/logger"
	"rai/internal/redact"
)

// ErrSessionOver is returned once the user has ended the dialogue.
var ErrSessionOver = errors.New("session is over")

// Recorder persists the chat log of a session.
type Recorder interface {
	CreateSession(id, botName, username, tier string) error
	SaveMessage(sessionID string, msg *chat.Message) error
	SaveSummary(sessionID, summary string) error
	SaveTierChange(sessionID, from, to string) error
}

// CompletionRecorder observes completion calls.
type CompletionRecorder interface {
	RecordCompletion(model string, err error, duration time.Duration)
}

// Options configures a Session
type Options struct {
	ID          string
	Username    string
	BotName     string
	Recorder    Recorder
	Completions CompletionRecorder
}

// AnswerResult is delivered by AnswerAsync.
type AnswerResult struct {
	Message *chat.Message
	Err     error
}

// Session is one dialogue between a user and the bot. Calls are serialized;
// independent sessions may run concurrently.
type Session struct {
	id          string
	manager     *agent.ContextManager
	client      ai.Client
	sampling    ai.Sampling
	username    string
	botName     string
	recorder    Recorder
	completions CompletionRecorder
	createdAt   time.Time

	// mu serializes turns; over is read without it.
	mu   sync.Mutex
	over atomic.Bool
}

// New wraps manager in a session answering with client.
func New(manager *agent.ContextManager, client ai.Client, sampling ai.Sampling, opts Options) (*Session, error) {
	if err := sampling.Validate(); err != nil {
		return nil, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Username == "" {
		opts.Username = "DefaultUser"
	}
	if opts.BotName == "" {
		opts.BotName = "DefaultBot"
	}

	s := &Session{
		id:          opts.ID,
		manager:     manager,
		client:      client,
		sampling:    sampling,
		username:    opts.Username,
		botName:     opts.BotName,
		recorder:    opts.Recorder,
		completions: opts.Completions,
		createdAt:   time.Now(),
	}

	if s.recorder != nil {
		if err := s.recorder.CreateSession(s.id, s.botName, s.username, manager.Tier()); err != nil {
			return nil, fmt.Errorf("record session: %w", err)
		}
		s.record(manager.SystemMessage())
	}
	manager.AddObserver(recordingObserver{s})
	return s, nil
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Username returns the display name of the user
func (s *Session) Username() string { return s.username }

// BotName returns the display name of the bot
func (s *Session) BotName() string { return s.botName }

// CreatedAt returns when the session started
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ChatLog returns the full dialogue record
func (s *Session) ChatLog() *chat.Log { return s.manager.ChatLog() }

// Tier returns the active model tier
func (s *Session) Tier() string { return s.manager.Tier() }

// Usage reports context consumption
func (s *Session) Usage() agent.Usage { return s.manager.Usage() }

// IsOver reports whether the user ended the dialogue.
func (s *Session) IsOver() bool {
	return s.over.Load()
}

// End closes the dialogue.
func (s *Session) End() {
	s.over.Store(true)
}

// AddUserMessage appends a user turn. Empty content ends the dialogue and
// returns a nil message.
func (s *Session) AddUserMessage(content string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.over.Load() {
		return nil, ErrSessionOver
	}

	var opts []chat.Option
	if last := s.manager.ChatLog().Last(); last != nil && last.Role() == ai.RoleAssistant {
		opts = append(opts, chat.WithReplyTo(last))
	}
	msg, err := chat.NewMessage(ai.RoleUser, content, s.username, opts...)
	if err != nil {
		return nil, err
	}
	if msg.IsEndOfDialogue() {
		logger.Debugf("session %s: end of dialogue", s.id)
		s.over.Store(true)
		return nil, nil
	}

	s.manager.Append(msg)
	s.record(msg)
	return msg, nil
}

// Answer brings the context within budget and asks the model of the active
// tier for the next bot message. When the last user message was dropped for
// size, the injection notice is returned instead and no request is made.
func (s *Session) Answer(ctx context.Context) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.over.Load() {
		return nil, ErrSessionOver
	}

	before := s.manager.ChatLog().Len()
	if err := s.manager.VerifyAndCompress(ctx); err != nil {
		return nil, err
	}
	if log := s.manager.ChatLog(); log.Len() > before {
		if last := log.Last(); last.Role() == ai.RoleSystem && last.Content() == agent.InjectionNotice {
			return last, nil
		}
	}

	model := s.manager.Tier()
	start := time.Now()
	reply, err := s.client.Complete(ctx, ai.Request{
		Messages: s.manager.Context(),
		Model:    model,
		Sampling: s.sampling,
	})
	if s.completions != nil {
		s.completions.RecordCompletion(model, err, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}

	var opts []chat.Option
	if last := s.manager.ChatLog().Last(); last != nil && last.Role() == ai.RoleUser {
		opts = append(opts, chat.WithReplyTo(last))
	}
	msg, err := chat.NewMessage(ai.RoleAssistant, reply.Content, s.botName, opts...)
	if err != nil {
		return nil, err
	}

	s.manager.Append(msg)
	s.record(msg)
	return msg, nil
}

// AnswerAsync runs Answer in the background. The channel receives exactly
// one result and is then closed.
func (s *Session) AnswerAsync(ctx context.Context) <-chan AnswerResult {
	out := make(chan AnswerResult, 1)
	go func() {
		defer close(out)
		msg, err := s.Answer(ctx)
		out <- AnswerResult{Message: msg, Err: err}
	}()
	return out
}

func (s *Session) record(msg *chat.Message) {
	if s.recorder == nil || msg == nil {
		return
	}
	if err := s.recorder.SaveMessage(s.id, msg); err != nil {
		logger.Warnf("session %s: failed to record message: %s", s.id, redact.Redact(err.Error()))
	}
}

// recordingObserver persists context manager events of its session.
type recordingObserver struct {
	s *Session
}

func (o recordingObserver) Compressed(ev agent.CompressionEvent) {
	if o.s.recorder == nil {
		return
	}
	if err := o.s.recorder.SaveSummary(o.s.id, ev.Summary); err != nil {
		logger.Warnf("session %s: failed to record summary: %v", o.s.id, err)
	}
}

func (o recordingObserver) TierChanged(from, to string) {
	if o.s.recorder == nil {
		return
	}
	if err := o.s.recorder.SaveTierChange(o.s.id, from, to); err != nil {
		logger.Warnf("session %s: failed to record tier change: %v", o.s.id, err)
	}
}

func (o recordingObserver) InjectionBlocked(tokens, limit int) {
	o.s.record(o.s.manager.ChatLog().Last())
}
