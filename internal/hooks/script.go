package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// ScriptConfig describes how to invoke an external command when events fire.
type ScriptConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// MarshalEvent converts an Event into the wire format presented to scripts.
var MarshalEvent = JSONMarshaler

// NewScriptHandler returns a Handler that pipes the marshalled event to the
// configured executable on STDIN.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parentCtx context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}

		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parentCtx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", key, val))
			}
			cmd.Env = env
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("hooks: stdin pipe: %w", err)
		}

		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hooks: command failed: %w", err)
		}
		return nil
	}
}

// JSONMarshaler serialises the event into a stable snake_case envelope.
func JSONMarshaler(evt Event) ([]byte, error) {
	envelope := struct {
		ID         string         `json:"id"`
		Type       EventType      `json:"type"`
		OccurredAt time.Time      `json:"occurred_at"`
		UserID     string         `json:"user_id"`
		RequestID  string         `json:"request_id"`
		Kind       string         `json:"kind,omitempty"`
		Qty        int64          `json:"qty"`
		Balance    int64          `json:"balance"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		ID:         evt.ID,
		Type:       evt.Type,
		OccurredAt: evt.OccurredAt,
		UserID:     evt.UserID,
		RequestID:  evt.RequestID,
		Kind:       evt.Kind,
		Qty:        evt.Qty,
		Balance:    evt.Balance,
		Metadata:   evt.Metadata,
	}
	return json.Marshal(envelope)
}
