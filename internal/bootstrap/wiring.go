package bootstrap

import (
	"fmt"

	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/exempt"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/ledger/postgres"
	"github.com/tokligence/tokligence-credits/internal/ledger/sqlite"
)

// OpenStore opens the ledger backend selected by cfg.
func OpenStore(cfg config.Config) (ledger.Store, error) {
	switch cfg.LedgerBackend {
	case "", "sqlite":
		return sqlite.New(cfg.LedgerPath)
	case "postgres":
		return postgres.New(cfg.LedgerDSN, postgres.Options{
			Driver:          cfg.LedgerPGDriver,
			MaxOpenConns:    cfg.LedgerMaxOpenConns,
			MaxIdleConns:    cfg.LedgerMaxIdleConns,
			ConnMaxLifetime: cfg.LedgerConnMaxLifetime,
			ConnMaxIdleTime: cfg.LedgerConnMaxIdleTime,
		})
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

// ExemptPolicy combines the static list, the live environment variable and
// the optional YAML file. The returned FileSource is nil when no file is
// configured; callers may Watch it.
func ExemptPolicy(cfg config.Config) (*exempt.Policy, *exempt.FileSource, error) {
	sources := exempt.MultiSource{exempt.StaticSource(cfg.ExemptAccounts)}
	if cfg.ExemptAccountsEnv != "" {
		sources = append(sources, exempt.NewEnvSource(cfg.ExemptAccountsEnv))
	}
	var file *exempt.FileSource
	if cfg.ExemptAccountsFile != "" {
		fs, err := exempt.NewFileSource(cfg.ExemptAccountsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load exempt accounts: %w", err)
		}
		file = fs
		sources = append(sources, fs)
	}
	return exempt.NewPolicy(sources), file, nil
}
