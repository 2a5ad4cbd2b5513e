package loopback

import (
	"context"
	"testing"

	"github.com/tokligence/tokligence-credits/internal/generation"
)

func TestLoopbackGenerator(t *testing.T) {
	g := New()
	res, err := g.Generate(context.Background(), generation.Request{Model: "m", Prompt: " Hello "})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "[loopback] Hello" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Model != "m" || res.Provider != "loopback" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLoopbackBlankPromptIsUnusable(t *testing.T) {
	res, err := New().Generate(context.Background(), generation.Request{System: "s", Prompt: "   "})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if generation.Usable(res) {
		t.Fatalf("expected unusable result, got %q", res.Text)
	}
}

func TestLoopbackErrors(t *testing.T) {
	if _, err := New().Generate(context.Background(), generation.Request{}); err == nil {
		t.Fatalf("expected error for empty request")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Generate(ctx, generation.Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected context error")
	}
}
