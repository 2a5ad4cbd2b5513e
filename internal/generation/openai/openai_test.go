package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tokligence/tokligence-credits/internal/generation"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid config with all fields", cfg: Config{APIKey: "sk-test", BaseURL: "https://example.com/v1/", Organization: "org", RequestTimeout: time.Second}},
		{name: "minimal config", cfg: Config{APIKey: "sk-test"}},
		{name: "missing api key", cfg: Config{BaseURL: "https://example.com"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "api key required") {
					t.Fatalf("expected api key error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if strings.HasSuffix(g.baseURL, "/") {
				t.Fatalf("base url should be trimmed: %q", g.baseURL)
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	g, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := g.Generate(context.Background(), generation.Request{System: "be brief", Prompt: "hello", UserID: "u1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "hi there" || res.Model != "gpt-test" || res.CompletionTokens != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.User != "u1" || got.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected upstream request %+v", got)
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit","code":"429"}}`))
	}))
	defer srv.Close()

	g, _ := New(Config{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := g.Generate(context.Background(), generation.Request{Prompt: "hello"})
	if err == nil || !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"gpt-test","choices":[]}`))
	}))
	defer srv.Close()

	g, _ := New(Config{APIKey: "sk-test", BaseURL: srv.URL})
	res, err := g.Generate(context.Background(), generation.Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if generation.Usable(res) {
		t.Fatalf("empty choices must be unusable")
	}
}
