// Package chat holds the user-visible record of a dialogue.
package chat

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rai/internal/ai"
)

// ErrInvalidRole is returned when a message is built with an unknown role.
var ErrInvalidRole = errors.New("invalid message role")

// MediaRef references an attachment stored elsewhere.
type MediaRef interface {
	MediaKind() string
	Location() string
}

// Message is an immutable chat log entry.
type Message struct {
	id          string
	role        string
	content     string
	author      string
	replyTo     *Message
	forward     []*Message
	attachments []MediaRef
	sentAt      time.Time

	// replies counts messages that reply to this one; the only mutable state.
	replies atomic.Int64
}

// Option configures a message at construction time.
type Option func(*Message)

// WithReplyTo marks the message as a reply to target.
func WithReplyTo(target *Message) Option {
	return func(m *Message) { m.replyTo = target }
}

// WithForward attaches forwarded messages.
func WithForward(msgs ...*Message) Option {
	return func(m *Message) {
		m.forward = append([]*Message(nil), msgs...)
	}
}

// WithAttachments attaches media references.
func WithAttachments(refs ...MediaRef) Option {
	return func(m *Message) {
		m.attachments = append([]MediaRef(nil), refs...)
	}
}

// WithSentAt overrides the send timestamp.
func WithSentAt(t time.Time) Option {
	return func(m *Message) { m.sentAt = t }
}

// WithID overrides the generated id, used when restoring a persisted log.
func WithID(id string) Option {
	return func(m *Message) { m.id = id }
}

// NewMessage builds a message. role must be system, user or assistant.
func NewMessage(role, content, author string, opts ...Option) (*Message, error) {
	if !ai.ValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	m := &Message{
		role:    role,
		content: content,
		author:  author,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.id == "" {
		m.id = uuid.NewString()
	}
	if m.sentAt.IsZero() {
		m.sentAt = time.Now()
	}
	if m.replyTo != nil {
		m.replyTo.replies.Add(1)
	}

	return m, nil
}

// MustMessage is NewMessage for roles known to be valid.
func MustMessage(role, content, author string, opts ...Option) *Message {
	m, err := NewMessage(role, content, author, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Message) ID() string        { return m.id }
func (m *Message) Role() string      { return m.role }
func (m *Message) Content() string   { return m.content }
func (m *Message) Author() string    { return m.author }
func (m *Message) ReplyTo() *Message { return m.replyTo }
func (m *Message) SentAt() time.Time { return m.sentAt }

// Replies returns how many messages reply to m.
func (m *Message) Replies() int {
	return int(m.replies.Load())
}

// Forward returns a copy of the forwarded messages.
func (m *Message) Forward() []*Message {
	return append([]*Message(nil), m.forward...)
}

// Attachments returns a copy of the attached media references.
func (m *Message) Attachments() []MediaRef {
	return append([]MediaRef(nil), m.attachments...)
}

// Wire projects the message to its completion request form.
func (m *Message) Wire() ai.Message {
	return ai.Message{Role: m.role, Content: m.content}
}

// IsEndOfDialogue reports the empty-content sentinel that ends a session.
func (m *Message) IsEndOfDialogue() bool {
	return m.content == ""
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s]: %s", m.author, m.content)
}
