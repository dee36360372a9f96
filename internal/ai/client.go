package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Client defines the interface for completion providers
type Client interface {
	Complete(ctx context.Context, req Request) (Message, error)
}

// StreamingClient extends Client with streaming support
type StreamingClient interface {
	Client
	CompleteStream(ctx context.Context, req Request) <-chan StreamChunk
}

// ProviderConfig holds configuration for an AI provider
type ProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIClient implements Client for OpenAI-compatible APIs
// Works with: OpenAI, OpenRouter, Azure-style proxies, local gateways.
type OpenAIClient struct {
	config ProviderConfig
	api    *openai.Client
}

// NewOpenAIClient creates a new client from provider configuration
func NewOpenAIClient(config ProviderConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("provider %q: api key is empty", config.Name)
	}

	cfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL == "" {
		switch config.Name {
		case "", "openai":
			config.BaseURL = cfg.BaseURL
		case "openrouter":
			config.BaseURL = "https://openrouter.ai/api/v1"
		default:
			return nil, fmt.Errorf("unknown provider: %s (specify base_url)", config.Name)
		}
	}
	cfg.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Model == "" {
		config.Model = openai.GPT3Dot5Turbo
	}

	return &OpenAIClient{
		config: config,
		api:    openai.NewClientWithConfig(cfg),
	}, nil
}

// Model returns the default model of the client.
func (c *OpenAIClient) Model() string {
	return c.config.Model
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	// go-openai drops a zero temperature from the payload, which the API reads as 1.
	temperature := req.Sampling.Temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		Stream:      stream,
		N:           1,
	}
}

// Complete sends the request and returns the first choice. With Sampling.Stream
// set the reply is streamed and aggregated.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Message, error) {
	if err := req.Sampling.Validate(); err != nil {
		return Message{}, err
	}

	if req.Sampling.Stream {
		return Collect(c.CompleteStream(ctx, req))
	}

	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		return Message{}, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return Message{}, fmt.Errorf("no response from model")
	}

	choice := resp.Choices[0].Message
	role := choice.Role
	if role == "" {
		role = RoleAssistant
	}
	return Message{Role: role, Content: choice.Content}, nil
}

// CompleteStream sends the request and returns a channel of streamed chunks
func (c *OpenAIClient) CompleteStream(ctx context.Context, req Request) <-chan StreamChunk {
	ch := make(chan StreamChunk, 100)

	go func() {
		defer close(ch)

		if err := req.Sampling.Validate(); err != nil {
			ch <- StreamChunk{Error: err}
			return
		}

		stream, err := c.api.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
		if err != nil {
			ch <- StreamChunk{Error: fmt.Errorf("chat completion stream: %w", err)}
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				ch <- StreamChunk{Done: true}
				return
			}
			if err != nil {
				ch <- StreamChunk{Error: fmt.Errorf("stream read error: %w", err), Done: true}
				return
			}

			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			chunk := StreamChunk{
				Content:      choice.Delta.Content,
				FinishReason: string(choice.FinishReason),
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				ch <- StreamChunk{Error: ctx.Err(), Done: true}
				return
			}
		}
	}()

	return ch
}

// Collect drains a chunk channel into a single assistant message.
func Collect(chunks <-chan StreamChunk) (Message, error) {
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			// drain so the producer can exit
			for range chunks {
			}
			return Message{}, chunk.Error
		}
		sb.WriteString(chunk.Content)
	}
	return Message{Role: RoleAssistant, Content: sb.String()}, nil
}
