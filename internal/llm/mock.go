package llm

import (
	"context"
	"errors"
	"sync"
)

// Mock is a scripted Client for tests: each call pops the next response.
// When the script runs out the last response repeats.
type Mock struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Prompts   []string
}

// Complete returns the next scripted response.
func (m *Mock) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prompts = append(m.Prompts, prompt)

	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", errors.New("mock llm has no scripted responses")
	}
	resp := m.Responses[0]
	if len(m.Responses) > 1 {
		m.Responses = m.Responses[1:]
	}
	return resp, nil
}

// CallCount returns how many completions were requested.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}
