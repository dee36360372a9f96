package agent

import (
	"context"
	"fmt"
	"sync"

	"rai/internal/ai"
)

// QA answers single prompts without keeping any dialogue state.
type QA struct {
	client   ai.Client
	sampling ai.Sampling

	mu    sync.RWMutex
	model string
}

// NewQA creates a question-answering actor on model
func NewQA(client ai.Client, model string, sampling ai.Sampling) *QA {
	return &QA{client: client, model: model, sampling: sampling}
}

// Model returns the model the actor asks.
func (q *QA) Model() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.model
}

// SetModel switches the model used for later prompts.
func (q *QA) SetModel(model string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.model = model
	return nil
}

// WithModel returns an independent actor sharing the client and sampling.
func (q *QA) WithModel(model string) *QA {
	return NewQA(q.client, model, q.sampling)
}

// Ask sends prompt as a lone user message and returns the reply text.
func (q *QA) Ask(ctx context.Context, prompt string) (string, error) {
	if q.client == nil {
		return "", fmt.Errorf("AI client not configured")
	}

	reply, err := q.client.Complete(ctx, ai.Request{
		Messages: []ai.Message{{Role: ai.RoleUser, Content: prompt}},
		Model:    q.Model(),
		Sampling: q.sampling,
	})
	if err != nil {
		return "", fmt.Errorf("ask %s: %w", q.Model(), err)
	}
	return reply.Content, nil
}
