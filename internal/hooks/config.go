package hooks

import (
	"fmt"
	"time"
)

// Config captures hook settings exposed via config files and env.
type Config struct {
	Enabled    bool
	ScriptPath string
	ScriptArgs []string
	Env        map[string]string
	Timeout    time.Duration
}

// Validate ensures the configuration is coherent before handlers are wired.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("hooks: script_path required when enabled")
	}
	return nil
}

// BuildScriptHandler constructs the handler declared in Config, or nil when disabled.
func (c Config) BuildScriptHandler() Handler {
	if !c.Enabled {
		return nil
	}
	return NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	})
}

// NewDispatcher returns a dispatcher with the configured script handler
// registered, or an empty dispatcher when hooks are disabled.
func (c Config) NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.Register(c.BuildScriptHandler())
	return d
}
