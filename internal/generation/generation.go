// Package generation defines the boundary to the external services whose
// calls are metered against user credits.
package generation

import (
	"context"
	"strings"
	"time"
)

// Request is a single text generation call.
type Request struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	UserID string `json:"-"`
}

// Result is what a provider produced.
type Result struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Text             string `json:"text"`
	FinishReason     string `json:"finish_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Generator calls an external generation service.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// Usable reports whether a result carries content worth charging for.
// Blank completions are treated as failures.
func Usable(r Result) bool {
	return strings.TrimSpace(r.Text) != ""
}

// Recorder receives per-call provider telemetry.
type Recorder interface {
	RecordProviderRequest(provider string, duration time.Duration, err error)
}

// Instrument wraps g so every call is reported to rec.
func Instrument(g Generator, rec Recorder) Generator {
	if rec == nil {
		return g
	}
	return &instrumented{next: g, rec: rec}
}

type instrumented struct {
	next Generator
	rec  Recorder
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := i.next.Generate(ctx, req)
	i.rec.RecordProviderRequest(i.next.Name(), time.Since(start), err)
	return res, err
}
