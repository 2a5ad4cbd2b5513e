// Package health reports readiness of the ledger database and the
// generation upstream.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component types. A failing database makes the service unhealthy; a failing
// upstream only degrades it.
const (
	TypeDatabase = "database"
	TypeHTTP     = "http"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is a checked dependency and its last result.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// Pinger is satisfied by the ledger stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe checks one dependency.
type Probe struct {
	Name  string
	Type  string
	Check func(ctx context.Context) error
}

// DatabaseProbe pings a ledger store.
func DatabaseProbe(name string, p Pinger) Probe {
	return Probe{Name: name, Type: TypeDatabase, Check: p.Ping}
}

// HTTPProbe treats any HTTP response from baseURL as reachable.
func HTTPProbe(name, baseURL string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return Probe{Name: name, Type: TypeHTTP, Check: func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}}
}

// Config holds health checker configuration.
type Config struct {
	Probes []Probe

	Timeout            time.Duration
	MaxDatabaseLatency time.Duration
}

// Checker runs probes concurrently and keeps the last results.
type Checker struct {
	probes     []Probe
	timeout    time.Duration
	maxLatency time.Duration
	now        func() time.Time

	mu         sync.RWMutex
	components []Component
}

// New creates a health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	return &Checker{
		probes:     cfg.Probes,
		timeout:    cfg.Timeout,
		maxLatency: cfg.MaxDatabaseLatency,
		now:        time.Now,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Check runs every probe and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	components := make([]Component, len(c.probes))
	var wg sync.WaitGroup
	for i, p := range c.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = c.run(ctx, p)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()
	return c.overall(components)
}

func (c *Checker) run(ctx context.Context, p Probe) Component {
	comp := Component{Name: p.Name, Type: p.Type, CheckResult: CheckResult{Timestamp: c.now()}}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	err := p.Check(ctx)
	comp.Latency = c.now().Sub(start)

	switch {
	case err != nil && p.Type == TypeDatabase:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
	case err != nil:
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
	case p.Type == TypeDatabase && comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Reachable"
	}
	return comp
}

func (c *Checker) overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return HealthStatus{Status: status, Timestamp: c.now(), Components: components}
}

// LastStatus returns the result of the most recent Check.
func (c *Checker) LastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overall(c.components)
}
