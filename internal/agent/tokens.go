package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"rai/internal/ai"
	"rai/internal/chat"
)

// ErrUnsupportedInputKind is returned when Count or Summarize get a shape
// other than a string, a message or a message sequence.
var ErrUnsupportedInputKind = errors.New("unsupported input kind")

// Default framing costs of the chat completion wire format.
const (
	DefaultPerMessageTokens   = 3
	DefaultReplyPrimingTokens = 3
)

const fallbackEncoding = "cl100k_base"

// Encoder turns text into a token count for one model.
type Encoder interface {
	CountTokens(text string) int
}

// EncoderFactory builds the encoder for a model id.
type EncoderFactory func(model string) (Encoder, error)

type tiktokenEncoder struct {
	enc *tiktoken.Tiktoken
}

func (e tiktokenEncoder) CountTokens(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// TiktokenEncoder returns the BPE encoder of model, falling back to
// cl100k_base for model ids tiktoken does not know.
func TiktokenEncoder(model string) (Encoder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("load %s encoding: %w", fallbackEncoding, err)
		}
	}
	return tiktokenEncoder{enc: enc}, nil
}

// TokenCounter counts tokens the way the completion API bills them
type TokenCounter struct {
	mu           sync.RWMutex
	model        string
	encoder      Encoder
	factory      EncoderFactory
	perMessage   int
	replyPriming int
}

// TokenCounterOption configures a TokenCounter
type TokenCounterOption func(*TokenCounter)

// WithEncoderFactory replaces the tiktoken encoder.
func WithEncoderFactory(f EncoderFactory) TokenCounterOption {
	return func(tc *TokenCounter) {
		if f != nil {
			tc.factory = f
		}
	}
}

// WithOverheads sets the per-message and reply-priming costs of a sequence.
func WithOverheads(perMessage, replyPriming int) TokenCounterOption {
	return func(tc *TokenCounter) {
		tc.perMessage = perMessage
		tc.replyPriming = replyPriming
	}
}

// NewTokenCounter creates a new token counter bound to model
func NewTokenCounter(model string, opts ...TokenCounterOption) (*TokenCounter, error) {
	tc := &TokenCounter{
		factory:      TiktokenEncoder,
		perMessage:   DefaultPerMessageTokens,
		replyPriming: DefaultReplyPrimingTokens,
	}
	for _, opt := range opts {
		opt(tc)
	}

	if err := tc.SetModel(model); err != nil {
		return nil, err
	}
	return tc, nil
}

// SetModel rebinds the counter to another model's encoding.
func (tc *TokenCounter) SetModel(model string) error {
	enc, err := tc.factory(model)
	if err != nil {
		return fmt.Errorf("token counter for %s: %w", model, err)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.model = model
	tc.encoder = enc
	return nil
}

// Model returns the model the counter is bound to.
func (tc *TokenCounter) Model() string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.model
}

// Overheads returns the per-message and reply-priming costs.
func (tc *TokenCounter) Overheads() (perMessage, replyPriming int) {
	return tc.perMessage, tc.replyPriming
}

// CountText returns the encoded length of text.
func (tc *TokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.encoder.CountTokens(text)
}

// CountMessages returns the cost of sending messages as one request.
func (tc *TokenCounter) CountMessages(messages []ai.Message) int {
	total := tc.replyPriming
	for _, msg := range messages {
		total += tc.perMessage + tc.CountText(msg.Content)
	}
	return total
}

// Count accepts a string, a single message or a message sequence.
func (tc *TokenCounter) Count(input any) (int, error) {
	switch v := input.(type) {
	case string:
		return tc.CountText(v), nil
	case ai.Message:
		return tc.CountText(v.Content), nil
	case *chat.Message:
		if v == nil {
			return 0, fmt.Errorf("%w: nil message", ErrUnsupportedInputKind)
		}
		return tc.CountText(v.Content()), nil
	case []ai.Message:
		return tc.CountMessages(v), nil
	case []*chat.Message:
		wire := make([]ai.Message, 0, len(v))
		for _, m := range v {
			if m == nil {
				return 0, fmt.Errorf("%w: nil message in sequence", ErrUnsupportedInputKind)
			}
			wire = append(wire, m.Wire())
		}
		return tc.CountMessages(wire), nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedInputKind, input)
	}
}
