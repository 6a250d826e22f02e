package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// Completer sends a prompt to a model and returns the response text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// AnthropicVersion is the messages API version header value.
const AnthropicVersion = "2023-06-01"

// AnthropicCompleter calls the Anthropic messages API.
type AnthropicCompleter struct {
	url        string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewAnthropicCompleter creates a completer. timeout bounds each request.
func NewAnthropicCompleter(url, apiKey, model string, maxTokens int, timeout time.Duration) *AnthropicCompleter {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &AnthropicCompleter{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *AnthropicCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", AnthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read model response: %w", err)
	}

	var parsed messagesResponse
	jsonErr := json.Unmarshal(data, &parsed)
	if resp.StatusCode != http.StatusOK {
		if jsonErr == nil && parsed.Error != nil {
			return "", fmt.Errorf("model API returned %d: %s: %s", resp.StatusCode, parsed.Error.Type, parsed.Error.Message)
		}
		return "", fmt.Errorf("model API returned %d", resp.StatusCode)
	}
	if jsonErr != nil {
		return "", fmt.Errorf("decode model response: %w", jsonErr)
	}
	for _, block := range parsed.Content {
		if block.Type == "text" || block.Type == "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("model response has no text content")
}

// cliWaitDelay bounds how long output pipes are drained after the process
// is killed, so children that inherited them cannot stall Complete.
const cliWaitDelay = 2 * time.Second

// CLICompleter shells out to `claude --print` for one-shot completions.
// A positive Timeout bounds each call.
type CLICompleter struct {
	Binary  string
	Model   string
	Timeout time.Duration
}

func (c *CLICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "claude"
	}
	args := []string{"--print"}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = cliWaitDelay
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%s --print: timed out after %s: %w", bin, c.Timeout, ctx.Err())
	}
	if err != nil {
		return "", fmt.Errorf("%s --print: %s: %w", bin, strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}
