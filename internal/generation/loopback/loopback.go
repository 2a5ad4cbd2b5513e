package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/tokligence/tokligence-credits/internal/generation"
)

var _ generation.Generator = (*Generator)(nil)

// Generator echoes the prompt back. It lets the metering pipeline run
// end to end without an upstream provider.
type Generator struct{}

// New creates a loopback generator.
func New() *Generator {
	return &Generator{}
}

// Name implements generation.Generator.
func (g *Generator) Name() string { return "loopback" }

// Generate fabricates a deterministic completion. A blank prompt yields a
// blank completion, which callers treat as unusable.
func (g *Generator) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	if err := ctx.Err(); err != nil {
		return generation.Result{}, err
	}
	if req.Prompt == "" && req.System == "" {
		return generation.Result{}, errors.New("no prompt provided")
	}
	prompt := strings.TrimSpace(req.Prompt)
	text := ""
	if prompt != "" {
		text = "[loopback] " + prompt
	}
	model := req.Model
	if model == "" {
		model = "loopback"
	}
	return generation.Result{
		Provider:         g.Name(),
		Model:            model,
		Text:             text,
		FinishReason:     "stop",
		PromptTokens:     (len(req.System) + len(req.Prompt)) / 4,
		CompletionTokens: len(text) / 4,
	}, nil
}
