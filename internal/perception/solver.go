package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"shopnerd/internal/logging"
)

// SolverClient implements Client against a chat-completions endpoint.
type SolverClient struct {
	url        string
	model      string
	apiKey     string
	httpClient *http.Client
	recipes    *RecipeBook

	defaultTemperature float64
	defaultMaxTokens   int

	mu          sync.Mutex
	lastRequest time.Time
}

// DefaultSolverConfig returns sensible defaults for a local solver.
func DefaultSolverConfig(url, model, apiKey string) SolverConfig {
	return SolverConfig{
		URL:         url,
		Model:       model,
		APIKey:      apiKey,
		Timeout:     120 * time.Second,
		Temperature: 0.2,
		MaxTokens:   4096,
	}
}

// NewSolverClient creates a solver client. recipes may be nil, in which
// case CompleteRecipe falls back to treating the recipe name as a raw
// system prompt.
func NewSolverClient(cfg SolverConfig, recipes *RecipeBook) *SolverClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.2
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &SolverClient{
		url:                cfg.URL,
		model:              cfg.Model,
		apiKey:             cfg.APIKey,
		httpClient:         &http.Client{Timeout: timeout},
		recipes:            recipes,
		defaultTemperature: temp,
		defaultMaxTokens:   maxTokens,
	}
}

// Complete sends a prompt pair and returns the completion text.
func (c *SolverClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, systemPrompt, userPrompt, c.defaultTemperature, c.defaultMaxTokens)
}

// CompleteRecipe renders the named recipe and completes it.
func (c *SolverClient) CompleteRecipe(ctx context.Context, recipe string, vars map[string]string) (string, error) {
	if c.recipes == nil {
		return "", fmt.Errorf("no recipe book configured (recipe %q)", recipe)
	}
	r, err := c.recipes.Get(recipe)
	if err != nil {
		return "", err
	}
	user := r.Render(vars)
	temp := r.Temperature
	if temp == 0 {
		temp = c.defaultTemperature
	}
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.defaultMaxTokens
	}
	return c.complete(ctx, r.System, user, temp, maxTokens)
}

func (c *SolverClient) complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error) {
	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.SolverDebug("complete: model=%s system_len=%d user_len=%d temp=%.2f",
		c.model, len(systemPrompt), len(userPrompt), temperature)

	if c.url == "" {
		return "", fmt.Errorf("solver URL not configured")
	}

	// Pace successive requests so a burst of extraction calls does not
	// trip provider-side rate limits.
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("solver request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != nil {
			return "", fmt.Errorf("solver error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return "", fmt.Errorf("no completion returned")
		}

		out := strings.TrimSpace(parsed.Choices[0].Message.Content)
		logging.Solver("complete: done in %v response_len=%d", time.Since(startTime), len(out))
		return out, nil
	}

	logging.SolverError("complete: max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Model returns the configured model id.
func (c *SolverClient) Model() string { return c.model }
