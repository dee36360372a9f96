package chat

import "sync"

// Log is the complete, never-compressed record of a dialogue.
type Log struct {
	mu       sync.RWMutex
	messages []*Message
}

// NewLog creates an empty chat log
func NewLog() *Log {
	return &Log{}
}

// Append adds a message to the end of the log
func (l *Log) Append(m *Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, m)
}

// Messages returns a copy of the logged messages in order
func (l *Log) Messages() []*Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Message(nil), l.messages...)
}

// Last returns the most recent message, or nil for an empty log
func (l *Log) Last() *Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.messages) == 0 {
		return nil
	}
	return l.messages[len(l.messages)-1]
}

// Len returns the number of logged messages
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
