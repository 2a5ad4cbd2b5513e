package exempt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPolicyNormalizesIdentities(t *testing.T) {
	p := NewPolicy(StaticSource{"  Admin@Example.com ", "user-1"})
	ctx := context.Background()

	for _, id := range []string{"admin@example.com", "ADMIN@EXAMPLE.COM ", "User-1"} {
		ok, err := p.IsExempt(ctx, id)
		if err != nil || !ok {
			t.Fatalf("expected %q to be exempt (err=%v)", id, err)
		}
	}
	if ok, _ := p.IsExempt(ctx, "someone"); ok {
		t.Fatalf("unexpected exemption")
	}
	if ok, _ := p.IsExempt(ctx, "   "); ok {
		t.Fatalf("blank identity must never be exempt")
	}
}

func TestPolicyNilSource(t *testing.T) {
	var p *Policy
	if ok, err := p.IsExempt(context.Background(), "x"); ok || err != nil {
		t.Fatalf("nil policy must exempt nobody, got %v %v", ok, err)
	}
}

func TestEnvSourceReadsEachEvaluation(t *testing.T) {
	value := "a@example.com"
	p := NewPolicy(EnvSource{Var: "CREDITS_EXEMPT", Lookup: func(string) string { return value }})
	ctx := context.Background()

	if ok, _ := p.IsExempt(ctx, "a@example.com"); !ok {
		t.Fatalf("expected exemption")
	}
	value = "b@example.com; c@example.com"
	if ok, _ := p.IsExempt(ctx, "a@example.com"); ok {
		t.Fatalf("revoked account must not stay exempt")
	}
	if ok, _ := p.IsExempt(ctx, "c@example.com"); !ok {
		t.Fatalf("expected newly added account to be exempt")
	}
}

func TestEnvSourceFromProcessEnv(t *testing.T) {
	t.Setenv("TOKLIGENCE_TEST_EXEMPT", "x,y")
	accounts, err := NewEnvSource("TOKLIGENCE_TEST_EXEMPT").Accounts(context.Background())
	if err != nil || len(accounts) != 2 {
		t.Fatalf("unexpected accounts %v err=%v", accounts, err)
	}
}

type brokenSource struct{}

func (brokenSource) Accounts(context.Context) ([]string, error) {
	return nil, errors.New("unavailable")
}

func TestMultiSource(t *testing.T) {
	p := NewPolicy(MultiSource{StaticSource{"a"}, nil, StaticSource{"b"}})
	if ok, _ := p.IsExempt(context.Background(), "b"); !ok {
		t.Fatalf("expected union to include b")
	}

	p = NewPolicy(MultiSource{StaticSource{"a"}, brokenSource{}})
	ok, err := p.IsExempt(context.Background(), "a")
	if err == nil || ok {
		t.Fatalf("expected failure to propagate, got ok=%v err=%v", ok, err)
	}
}

func TestFileSourceReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exempt.yaml")
	if err := os.WriteFile(path, []byte("accounts:\n  - root@example.com\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	src, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	p := NewPolicy(src)
	ctx := context.Background()
	if ok, _ := p.IsExempt(ctx, "root@example.com"); !ok {
		t.Fatalf("expected exemption from file")
	}

	if err := os.WriteFile(path, []byte("accounts: []\n"), 0o600); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	if err := src.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if ok, _ := p.IsExempt(ctx, "root@example.com"); ok {
		t.Fatalf("expected revocation after reload")
	}

	if err := os.WriteFile(path, []byte("accounts: [unterminated"), 0o600); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	if err := src.Reload(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	src, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should be empty, got %v", err)
	}
	accounts, _ := src.Accounts(context.Background())
	if len(accounts) != 0 {
		t.Fatalf("expected no accounts, got %v", accounts)
	}
}

func TestFileSourceWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exempt.yaml")
	if err := os.WriteFile(path, []byte("accounts: []\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	src, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Watch(ctx, zap.NewNop()); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("accounts:\n  - late@example.com\n"), 0o600); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	p := NewPolicy(src)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := p.IsExempt(context.Background(), "late@example.com"); ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("watcher did not pick up file change")
}
