package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tokligence/tokligence-credits/internal/ledger/memory"
)

func TestCheckHealthy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	c := New(Config{Probes: []Probe{
		DatabaseProbe("ledger_db", memory.New()),
		HTTPProbe("openai_api", upstream.URL, upstream.Client()),
	}})
	status := c.Check(context.Background())
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", status)
	}
	if len(status.Components) != 2 || status.Components[0].Name != "ledger_db" {
		t.Fatalf("unexpected components %+v", status.Components)
	}
	if c.LastStatus().Status != StatusHealthy {
		t.Fatalf("last status not retained")
	}
}

func TestClosedLedgerIsUnhealthy(t *testing.T) {
	store := memory.New()
	store.Close()
	c := New(Config{Probes: []Probe{DatabaseProbe("ledger_db", store)}})
	status := c.Check(context.Background())
	if status.Status != StatusUnhealthy || status.Components[0].Error == "" {
		t.Fatalf("expected unhealthy, got %+v", status)
	}
}

func TestUpstreamFailureDegrades(t *testing.T) {
	c := New(Config{Probes: []Probe{
		DatabaseProbe("ledger_db", memory.New()),
		{Name: "upstream", Type: TypeHTTP, Check: func(context.Context) error { return errors.New("dial failed") }},
	}})
	if status := c.Check(context.Background()); status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}
}

func TestNoProbesIsHealthy(t *testing.T) {
	if status := New(Config{}).LastStatus(); status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}
}
