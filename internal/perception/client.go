// Package perception hosts the LLM solver client, the prompt recipe
// loader, and the tolerant JSON utilities shared by every component that
// has to digest model output.
package perception

import (
	"context"
	"time"
)

// Client is the single text-completion contract every component consumes.
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends a system+user prompt pair and returns the raw
	// completion text.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// CompleteRecipe renders a named recipe with vars and completes it
	// using the recipe's temperature and token budget.
	CompleteRecipe(ctx context.Context, recipe string, vars map[string]string) (string, error)
}

// SolverConfig configures the HTTP solver client.
type SolverConfig struct {
	URL         string
	Model       string
	APIKey      string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// chatMessage is one entry of the chat-completions messages array.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the wire request for the solver endpoint.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// chatResponse is the wire response from the solver endpoint.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
