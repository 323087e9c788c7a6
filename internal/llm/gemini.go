package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// Gemini is the Google GenAI-backed client.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates a Gemini client. The API key is required; the model
// defaults to a fast tier suitable for code generation.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required (set GEMINI_API_KEY)")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// Complete sends the prompt and returns the full text response.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty completion")
	}
	return text, nil
}
