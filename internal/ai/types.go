package ai

import (
	"errors"
	"fmt"
)

// Role constants for chat messages
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrUnsupportedSampling is returned for sampling options the client cannot honour.
var ErrUnsupportedSampling = errors.New("unsupported sampling options")

// Message is one entry of a completion request or reply.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidRole reports whether role is one of the three chat roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Sampling holds the per-request generation options.
type Sampling struct {
	Temperature float32 `json:"temperature" mapstructure:"temperature"`
	Stream      bool    `json:"stream" mapstructure:"stream"`
	N           int     `json:"n" mapstructure:"n"`
}

// DefaultSampling returns temperature 0, no streaming, a single choice.
func DefaultSampling() Sampling {
	return Sampling{N: 1}
}

// Validate rejects multi-choice sampling. N == 0 is treated as 1.
func (s Sampling) Validate() error {
	if s.N > 1 {
		return fmt.Errorf("%w: n=%d, only a single choice is supported", ErrUnsupportedSampling, s.N)
	}
	if s.N < 0 {
		return fmt.Errorf("%w: n=%d", ErrUnsupportedSampling, s.N)
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f out of range [0, 2]", ErrUnsupportedSampling, s.Temperature)
	}
	return nil
}

// Request is a single completion request.
type Request struct {
	Messages []Message
	// Model overrides the client's default model when set.
	Model    string
	Sampling Sampling
}

// StreamChunk represents a piece of streamed response
type StreamChunk struct {
	Content      string
	Done         bool
	FinishReason string
	Error        error
}

// Result is delivered by CompleteAsync.
type Result struct {
	Message Message
	Err     error
}
