package llmjudge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIClient is the production Client: a thin HTTP wrapper over the
// chat completions endpoint, grounded on the teacher's llm.OpenAIClient.
// The judge pass never needs tool-calling, so the tools array the
// teacher's client sends is dropped here.
type OpenAIClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewOpenAIClient builds a Client against the OpenAI-compatible chat
// completions API. baseURL defaults to https://api.openai.com/v1 when
// empty, which also lets this client point at any OpenAI-compatible
// gateway (Azure OpenAI proxies, local vLLM servers) used in other
// deployments.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *OpenAIClient) ModelIdentifier() string { return c.model }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Seed        int64     `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error) {
	body := chatRequest{Model: c.model, Messages: messages}
	if options != nil {
		body.Temperature = options.Temperature
		body.TopP = options.TopP
		body.Seed = options.Seed
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llmjudge: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llmjudge: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("llmjudge: request: %w", err)
		}
		return nil, &TransientError{Err: fmt.Errorf("llmjudge: request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		statusErr := fmt.Errorf("llmjudge: status %d: %s", resp.StatusCode, detail)
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &TransientError{Err: statusErr}
		}
		return nil, statusErr
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("llmjudge: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("llmjudge: empty choices in response")
	}

	return &Response{
		Content:          decoded.Choices[0].Message.Content,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
	}, nil
}
