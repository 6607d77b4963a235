package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/halcyonlabs/engram/internal/config"
)

const summarizePrompt = `Condense the following conversation excerpt into 1-3 sentences.
Keep names, decisions and concrete facts; drop pleasantries.

Excerpt:
%s`

type httpClient struct {
	apiKey        string
	baseURL       string
	model         string
	summaryAPIKey string
	summaryURL    string
	summaryModel  string
	maxTokens     int
	temperature   float64
	hc            *http.Client
}

// NewClient builds the OpenAI-compatible HTTP client. Summarization may be
// routed to a cheaper provider/model when configured; otherwise it reuses
// the main one.
func NewClient(cfg *config.Config) Client {
	c := &httpClient{
		apiKey:      cfg.Provider.APIKey,
		baseURL:     cfg.Provider.BaseURL,
		model:       cfg.Generator.Model,
		maxTokens:   cfg.Generator.MaxTokens,
		temperature: cfg.Generator.Temperature,
		hc:          &http.Client{Timeout: time.Duration(cfg.Generator.TimeoutSec) * time.Second},
	}

	c.summaryAPIKey = c.apiKey
	c.summaryURL = c.baseURL
	c.summaryModel = c.model
	if cfg.Generator.Summarizer != nil {
		if cfg.Generator.Summarizer.APIKey != "" {
			c.summaryAPIKey = cfg.Generator.Summarizer.APIKey
		}
		if cfg.Generator.Summarizer.BaseURL != "" {
			c.summaryURL = cfg.Generator.Summarizer.BaseURL
		}
	}
	if cfg.Generator.SummaryModel != "" {
		c.summaryModel = cfg.Generator.SummaryModel
	}

	return c
}

func (c *httpClient) Generate(ctx context.Context, req Request) (*Response, error) {
	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]string{"role": RoleSystem, "content": req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	content, err := c.complete(ctx, c.apiKey, c.baseURL, map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	})
	if err != nil {
		return nil, err
	}
	return resolveResponse(content), nil
}

func (c *httpClient) Summarize(ctx context.Context, text string) (string, error) {
	content, err := c.complete(ctx, c.summaryAPIKey, c.summaryURL, map[string]any{
		"model": c.summaryModel,
		"messages": []map[string]string{{
			"role":    RoleUser,
			"content": fmt.Sprintf(summarizePrompt, text),
		}},
		"max_tokens":  512,
		"temperature": 0.3,
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

func (c *httpClient) complete(ctx context.Context, apiKey, baseURL string, body map[string]any) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", fmt.Errorf("%w: missing api key", ErrGeneration)
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("%w: missing base url", ErrGeneration)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: send request: %v", ErrGeneration, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrGeneration, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: http %d: %s", ErrGeneration, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrGeneration, err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices in response", ErrGeneration)
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content in response", ErrGeneration)
	}
	return content, nil
}
