// Package bootstrap scaffolds configuration files and opens the components
// both binaries share.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/exempt"
)

// InitOptions configures the generated config files.
type InitOptions struct {
	Root           string
	Environment    string
	LedgerBackend  string
	LedgerPath     string
	LedgerDSN      string
	ExemptAccounts []string
	GenerationCost int64
	Force          bool
}

// Init writes config/setting.ini and config/<env>/credits.ini.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	envPath := filepath.Join(opts.Root, "config", opts.Environment, "credits.ini")
	return writeFile(envPath, creditsTemplate(opts), opts.Force)
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.LedgerBackend) == "" {
		opts.LedgerBackend = "sqlite"
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
	if opts.GenerationCost <= 0 {
		opts.GenerationCost = 1
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Tokligence Credits settings
environment=%s
`, opts.Environment)
}

func creditsTemplate(opts InitOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Environment specific overrides for %s\n", opts.Environment)
	b.WriteString("http_address=:8081\n")
	b.WriteString("log_level=info\n")
	b.WriteString("# Dash '-' disables file output.\n")
	b.WriteString("log_file=logs/creditsd.log\n")
	fmt.Fprintf(&b, "ledger_backend=%s\n", opts.LedgerBackend)
	if opts.LedgerBackend == "postgres" {
		fmt.Fprintf(&b, "ledger_dsn=%s\n", opts.LedgerDSN)
	} else {
		fmt.Fprintf(&b, "ledger_path=%s\n", opts.LedgerPath)
	}
	fmt.Fprintf(&b, "exempt_accounts=%s\n", strings.Join(opts.ExemptAccounts, ","))
	b.WriteString("generation_provider=loopback\n")
	fmt.Fprintf(&b, "generation_cost=%d\n", opts.GenerationCost)
	return b.String()
}

// Validate checks options without touching the filesystem.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	switch opts.LedgerBackend {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(opts.LedgerDSN) == "" {
			return errors.New("ledger dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", opts.LedgerBackend)
	}
	for _, acct := range opts.ExemptAccounts {
		if exempt.Normalize(acct) == "" {
			return errors.New("exempt accounts must not be blank")
		}
	}
	return nil
}
