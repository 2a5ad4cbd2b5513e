package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/tokligence-credits/internal/generation"
)

var _ generation.Generator = (*Generator)(nil)

// Generator calls an OpenAI-compatible chat completions endpoint.
type Generator struct {
	apiKey       string
	baseURL      string
	org          string
	defaultModel string
	httpClient   *http.Client
}

// Config holds configuration for the OpenAI generator.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string // optional
	DefaultModel   string // used when a request names no model
	RequestTimeout time.Duration
}

// New creates a Generator.
func New(cfg Config) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &Generator{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		org:          cfg.Organization,
		defaultModel: model,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

// Name implements generation.Generator.
func (g *Generator) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate sends one non-streaming chat completion request.
func (g *Generator) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return generation.Result{}, errors.New("openai: no prompt provided")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.defaultModel
	}
	payload := chatRequest{Model: model, User: req.UserID}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(payload)
	if err != nil {
		return generation.Result{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return generation.Result{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	if g.org != "" {
		httpReq.Header.Set("OpenAI-Organization", g.org)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return generation.Result{}, fmt.Errorf("openai: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return generation.Result{}, fmt.Errorf("openai: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return generation.Result{}, fmt.Errorf("openai: %s (type=%s, code=%s)", errResp.Error.Message, errResp.Error.Type, errResp.Error.Code)
		}
		return generation.Result{}, fmt.Errorf("openai: http %d: %s", resp.StatusCode, string(respBody))
	}

	var completion chatResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return generation.Result{}, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	res := generation.Result{
		Provider:         g.Name(),
		Model:            completion.Model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}
	if res.Model == "" {
		res.Model = model
	}
	if len(completion.Choices) > 0 {
		res.Text = completion.Choices[0].Message.Content
		res.FinishReason = completion.Choices[0].FinishReason
	}
	return res, nil
}
