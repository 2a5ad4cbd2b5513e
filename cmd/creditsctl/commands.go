package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/bootstrap"
	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/exempt"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/logging"
	"github.com/tokligence/tokligence-credits/internal/metering"
)

// session bundles what a ledger command needs and releases it on close.
type session struct {
	cfg    config.Config
	svc    *ledger.Service
	policy *exempt.Policy
	close  func()
}

func openSession(cmd *cli.Command) (*session, error) {
	cfg, err := config.Load(cmd.String("root"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := zap.NewNop()
	closeLog := func() {}
	if file := strings.TrimSpace(cfg.LogFile); file != "" && file != "-" {
		l, closer, err := logging.New(logging.Config{Level: cfg.LogLevel, Environment: cfg.Environment, File: file})
		if err != nil {
			return nil, err
		}
		logger = l.Named("creditsctl")
		closeLog = func() {
			_ = l.Sync()
			_ = closer.Close()
		}
	}

	store, err := bootstrap.OpenStore(cfg)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	policy, _, err := bootstrap.ExemptPolicy(cfg)
	if err != nil {
		store.Close()
		closeLog()
		return nil, err
	}
	svc := ledger.NewService(store,
		ledger.WithExemptPolicy(policy),
		ledger.WithLogger(logger),
		ledger.WithHooks(cfg.Hooks.NewDispatcher()),
	)
	return &session{
		cfg:    cfg,
		svc:    svc,
		policy: policy,
		close: func() {
			store.Close()
			closeLog()
		},
	}, nil
}

func withSession(fn func(ctx context.Context, cmd *cli.Command, s *session) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()
		return fn(ctx, cmd, s)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func userFlag() cli.Flag {
	return &cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "account id or email"}
}

func initCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "write config/setting.ini and config/<env>/credits.ini",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env", Value: "dev"},
			&cli.StringFlag{Name: "backend", Value: "sqlite", Usage: "sqlite or postgres"},
			&cli.StringFlag{Name: "ledger-path"},
			&cli.StringFlag{Name: "dsn"},
			&cli.StringSliceFlag{Name: "exempt", Usage: "exempt account (repeatable)"},
			&cli.Int64Flag{Name: "cost", Value: 1, Usage: "credits charged per generation"},
			&cli.BoolFlag{Name: "force", Usage: "overwrite existing files"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			opts := bootstrap.InitOptions{
				Root:           cmd.String("root"),
				Environment:    cmd.String("env"),
				LedgerBackend:  cmd.String("backend"),
				LedgerPath:     cmd.String("ledger-path"),
				LedgerDSN:      cmd.String("dsn"),
				ExemptAccounts: cmd.StringSlice("exempt"),
				GenerationCost: cmd.Int64("cost"),
				Force:          cmd.Bool("force"),
			}
			if err := bootstrap.Init(opts); err != nil {
				return err
			}
			_, err := fmt.Fprintf(out, "config written under %s\n", opts.Root)
			return err
		},
	}
}

func balanceCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "print a wallet balance",
		Flags: []cli.Flag{userFlag()},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
			user := cmd.String("user")
			bal, err := s.svc.Balance(ctx, user)
			if err != nil {
				return err
			}
			return writeJSON(out, map[string]any{"user_id": user, "balance": bal})
		}),
	}
}

func grantCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "grant",
		Usage: "add credits to a wallet; repeating a request id is a no-op",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "request-id", Required: true},
			&cli.Int64Flag{Name: "qty", Required: true},
		},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
			res, err := s.svc.Grant(ctx, cmd.String("user"), cmd.String("request-id"), cmd.Int64("qty"))
			if err != nil {
				return err
			}
			return writeJSON(out, res)
		}),
	}
}

func entitleCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "entitle",
		Usage: "grant a session allowance",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "session", Required: true},
			&cli.StringFlag{Name: "request-id", Required: true},
			&cli.Int64Flag{Name: "qty", Value: 1},
		},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
			sessionID := cmd.String("session")
			if !metering.ValidResourceID(sessionID) {
				return fmt.Errorf("invalid session id %q", sessionID)
			}
			key := metering.SessionKey(cmd.String("user"), sessionID, "grant", cmd.String("request-id"))
			res, err := s.svc.IncrementEntitlement(ctx, cmd.String("user"), key, cmd.Int64("qty"))
			if err != nil {
				return err
			}
			return writeJSON(out, res)
		}),
	}
}

func historyCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list recent journal rows, newest first",
		Flags: []cli.Flag{
			userFlag(),
			&cli.IntFlag{Name: "limit", Value: 20},
			&cli.StringSliceFlag{Name: "kind", Usage: "filter by kind (repeatable)"},
		},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
			var kinds []ledger.Kind
			for _, raw := range cmd.StringSlice("kind") {
				k := ledger.Kind(strings.TrimSpace(raw))
				if !k.Valid() {
					return fmt.Errorf("unknown kind %q", raw)
				}
				kinds = append(kinds, k)
			}
			events, err := s.svc.History(ctx, cmd.String("user"), cmd.Int("limit"), kinds...)
			if err != nil {
				return err
			}
			if events == nil {
				events = []ledger.UsageEvent{}
			}
			return writeJSON(out, events)
		}),
	}
}

func exemptCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "exempt",
		Usage: "report whether an account bypasses debits",
		Flags: []cli.Flag{userFlag()},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
			user := cmd.String("user")
			ok, err := s.policy.IsExempt(ctx, user)
			if err != nil {
				return err
			}
			return writeJSON(out, map[string]any{"user_id": user, "exempt": ok})
		}),
	}
}

func tokenCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a bearer token for the HTTP API",
		Flags: []cli.Flag{
			userFlag(),
			&cli.DurationFlag{Name: "ttl", Usage: "token lifetime (defaults to token_ttl)"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("root"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			mgr, err := auth.NewManager(cfg.AuthSecret)
			if err != nil {
				return err
			}
			ttl := cmd.Duration("ttl")
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			token, err := mgr.IssueToken(cmd.String("user"), ttl)
			if err != nil {
				return err
			}
			return writeJSON(out, map[string]any{
				"token":      token,
				"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
		},
	}
}
