package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDispatcherEmit(t *testing.T) {
	d := &Dispatcher{}
	var sequence []string
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "first:"+string(evt.Type))
		return nil
	})
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "second:"+evt.RequestID)
		return errors.New("second handler failed")
	})

	evt := Event{
		ID:         "evt-1",
		Type:       EventCreditsDebited,
		OccurredAt: time.Now(),
		RequestID:  "req-1",
	}

	err := d.Emit(context.Background(), evt)
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "second handler failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sequence) != 2 {
		t.Fatalf("expected two handlers to run, got %d", len(sequence))
	}
	if sequence[0] != "first:"+string(EventCreditsDebited) {
		t.Fatalf("unexpected first handler record %q", sequence[0])
	}
	if sequence[1] != "second:req-1" {
		t.Fatalf("unexpected second handler record %q", sequence[1])
	}
}

func TestNilDispatcherDropsEvents(t *testing.T) {
	var d *Dispatcher
	if err := d.Emit(context.Background(), Event{Type: EventCreditsGranted}); err != nil {
		t.Fatalf("nil dispatcher returned %v", err)
	}
}

func TestNewScriptHandlerRunsCommand(t *testing.T) {
	MarshalEvent = JSONMarshaler

	expectID := "evt-script"
	expectType := EventCompensationFailed
	handler := NewScriptHandler(ScriptConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcessScriptHandler", "--", expectID, string(expectType)},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HOOK_EXPECT_ID":         expectID,
			"HOOK_EXPECT_TYPE":       string(expectType),
			"HOOK_EXPECT_REQUEST":    "req-42",
		},
		Timeout: 5 * time.Second,
	})

	evt := Event{
		ID:         expectID,
		Type:       expectType,
		OccurredAt: time.Now(),
		UserID:     "user-42",
		RequestID:  "req-42",
		Kind:       "refund",
		Qty:        3,
	}

	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestHelperProcessScriptHandler(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	var payload struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
		Qty       int64  `json:"qty"`
	}
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		io.WriteString(os.Stderr, "decode error: "+err.Error())
		os.Exit(2)
	}
	if payload.ID != os.Getenv("HOOK_EXPECT_ID") {
		io.WriteString(os.Stderr, "unexpected id")
		os.Exit(3)
	}
	if payload.Type != os.Getenv("HOOK_EXPECT_TYPE") {
		io.WriteString(os.Stderr, "unexpected type")
		os.Exit(4)
	}
	if payload.RequestID != os.Getenv("HOOK_EXPECT_REQUEST") || payload.Qty != 3 {
		io.WriteString(os.Stderr, "unexpected payload")
		os.Exit(5)
	}
	os.Exit(0)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when enabled without script path")
	}

	cfg.ScriptPath = "/tmp/hook.sh"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if d := cfg.NewDispatcher(); d.Len() != 1 {
		t.Fatalf("expected script handler registered, got %d", d.Len())
	}

	disabled := Config{}
	if handler := disabled.BuildScriptHandler(); handler != nil {
		t.Fatalf("expected nil handler when config disabled")
	}
	if d := disabled.NewDispatcher(); d.Len() != 0 {
		t.Fatalf("expected empty dispatcher, got %d handlers", d.Len())
	}
}
