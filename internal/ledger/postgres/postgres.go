package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

const uniqueViolation = "23505"

// Options tunes the connection pool. Driver selects the database/sql driver:
// "pgx" (default) or "postgres" for lib/pq.
type Options struct {
	Driver          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements ledger.Store backed by PostgreSQL.
//
// Wallet mutations lock the wallet row with SELECT ... FOR UPDATE before the
// journal is consulted, so check-then-act for one user is serialized across
// connections and processes.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and pool settings.
func New(dsn string, opts Options) (*Store, error) {
	driver := strings.TrimSpace(opts.Driver)
	if driver == "" {
		driver = "pgx"
	}
	if driver != "pgx" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported postgres driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id TEXT PRIMARY KEY,
	credits_remaining BIGINT NOT NULL DEFAULT 0 CHECK(credits_remaining >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_events (
	id BIGSERIAL PRIMARY KEY,
	uuid UUID NOT NULL,
	user_id TEXT NOT NULL,
	qty BIGINT NOT NULL CHECK(qty >= 0),
	kind TEXT NOT NULL CHECK(kind IN ('ai','grant','refund','session_grant','session_use')),
	request_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_events_request_kind ON usage_events(request_id, kind);
CREATE INDEX IF NOT EXISTS idx_usage_events_user_created ON usage_events(user_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_events_uuid ON usage_events(uuid);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Apply runs one ledger mutation atomically.
func (s *Store) Apply(ctx context.Context, m ledger.Mutation) (ledger.Result, error) {
	if err := m.Validate(); err != nil {
		return ledger.Result{}, err
	}
	res, err := s.applyTx(ctx, m)
	if errors.Is(err, errConflict) || isUniqueViolation(err) {
		return s.replay(ctx, m)
	}
	return res, err
}

var errConflict = errors.New("usage event conflict")

func (s *Store) applyTx(ctx context.Context, m ledger.Mutation) (ledger.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var balance int64
	touchesWallet := m.Effect == ledger.EffectDebit || m.Effect == ledger.EffectCredit
	if touchesWallet {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO wallets(user_id, credits_remaining, updated_at) VALUES($1, 0, $2)
ON CONFLICT (user_id) DO NOTHING`, m.UserID, now); err != nil {
			return ledger.Result{}, fmt.Errorf("upsert wallet: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT credits_remaining FROM wallets WHERE user_id = $1 FOR UPDATE`, m.UserID).Scan(&balance); err != nil {
			return ledger.Result{}, fmt.Errorf("lock wallet: %w", err)
		}
	}

	existing, err := scanEvent(tx.QueryRowContext(ctx, selectEvent+` WHERE request_id = $1 AND kind = $2`, m.RequestID, string(m.Kind)))
	if err != nil {
		return ledger.Result{}, fmt.Errorf("lookup usage event: %w", err)
	}
	if existing != nil {
		if err := ledger.CheckOwner(existing, m); err != nil {
			return ledger.Result{}, err
		}
		if !touchesWallet {
			if balance, err = balanceOf(ctx, tx, m.UserID); err != nil {
				return ledger.Result{}, err
			}
		}
		return ledger.Result{Outcome: ledger.OutcomeReplayed, Balance: balance, Event: existing}, nil
	}

	switch m.Effect {
	case ledger.EffectDebit:
		if balance < m.Qty {
			return ledger.Result{Outcome: ledger.OutcomeRejected, Balance: balance},
				&ledger.InsufficientCreditsError{Remaining: balance, Required: m.Qty}
		}
		balance -= m.Qty
	case ledger.EffectCredit:
		balance += m.Qty
	default:
		if balance, err = balanceOf(ctx, tx, m.UserID); err != nil {
			return ledger.Result{}, err
		}
	}
	if touchesWallet {
		if _, err := tx.ExecContext(ctx,
			`UPDATE wallets SET credits_remaining = $1, updated_at = $2 WHERE user_id = $3`,
			balance, now, m.UserID); err != nil {
			return ledger.Result{}, fmt.Errorf("update wallet: %w", err)
		}
	}

	evt := ledger.UsageEvent{
		UUID:      uuid.NewString(),
		UserID:    m.UserID,
		Qty:       m.Qty,
		Kind:      m.Kind,
		RequestID: m.RequestID,
	}
	err = tx.QueryRowContext(ctx, `
INSERT INTO usage_events(uuid, user_id, qty, kind, request_id, created_at)
VALUES($1, $2, $3, $4, $5, $6)
ON CONFLICT (request_id, kind) DO NOTHING
RETURNING id, created_at`,
		evt.UUID, evt.UserID, evt.Qty, string(evt.Kind), evt.RequestID, now,
	).Scan(&evt.ID, &evt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Result{}, errConflict
	}
	if err != nil {
		return ledger.Result{}, fmt.Errorf("append usage event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Result{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return ledger.Result{Outcome: ledger.OutcomeApplied, Balance: balance, Event: &evt}, nil
}

// replay resolves a request whose journal insert lost a uniqueness race.
func (s *Store) replay(ctx context.Context, m ledger.Mutation) (ledger.Result, error) {
	existing, err := s.FindEvent(ctx, m.RequestID, m.Kind)
	if err != nil {
		return ledger.Result{}, err
	}
	if existing == nil {
		return ledger.Result{}, fmt.Errorf("usage event %s/%s vanished after conflict", m.Kind, m.RequestID)
	}
	if err := ledger.CheckOwner(existing, m); err != nil {
		return ledger.Result{}, err
	}
	balance, err := s.Balance(ctx, m.UserID)
	if err != nil {
		return ledger.Result{}, err
	}
	return ledger.Result{Outcome: ledger.OutcomeReplayed, Balance: balance, Event: existing}, nil
}

// Balance returns the wallet balance, zero when no wallet exists yet.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("user id required")
	}
	return balanceOf(ctx, s.db, userID)
}

// FindEvent returns the journal row for (requestID, kind), or nil.
func (s *Store) FindEvent(ctx context.Context, requestID string, kind ledger.Kind) (*ledger.UsageEvent, error) {
	return scanEvent(s.db.QueryRowContext(ctx, selectEvent+` WHERE request_id = $1 AND kind = $2`, requestID, string(kind)))
}

// ListRecent returns the latest journal rows for a user.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int, kinds ...ledger.Kind) ([]ledger.UsageEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	query := selectEvent + ` WHERE user_id = $1`
	args := []any{userID}
	if len(kinds) > 0 {
		args = append(args, pq.Array(ledger.KindStrings(kinds)))
		query += fmt.Sprintf(` AND kind = ANY($%d)`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	return s.list(ctx, query, args...)
}

// ListByRequestPrefix returns every row of the user whose request id starts
// with prefix, oldest first.
func (s *Store) ListByRequestPrefix(ctx context.Context, userID, prefix string, kinds ...ledger.Kind) ([]ledger.UsageEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id required")
	}
	query := selectEvent + ` WHERE user_id = $1 AND request_id LIKE $2 ESCAPE '\'`
	args := []any{userID, ledger.LikePrefix(prefix)}
	if len(kinds) > 0 {
		args = append(args, pq.Array(ledger.KindStrings(kinds)))
		query += fmt.Sprintf(` AND kind = ANY($%d)`, len(args))
	}
	query += ` ORDER BY id`
	return s.list(ctx, query, args...)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]ledger.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	defer rows.Close()

	var events []ledger.UsageEvent
	for rows.Next() {
		var e ledger.UsageEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.UUID, &e.UserID, &e.Qty, &kind, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("list usage events: %w", err)
		}
		e.Kind = ledger.Kind(kind)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	return events, nil
}

const selectEvent = `SELECT id, uuid::text, user_id, qty, kind, request_id, created_at FROM usage_events`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceOf(ctx context.Context, q querier, userID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT credits_remaining FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read wallet: %w", err)
	}
	return balance, nil
}

func scanEvent(row *sql.Row) (*ledger.UsageEvent, error) {
	var e ledger.UsageEvent
	var kind string
	err := row.Scan(&e.ID, &e.UUID, &e.UserID, &e.Qty, &kind, &e.RequestID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Kind = ledger.Kind(kind)
	return &e, nil
}

// isUniqueViolation recognises 23505 from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}
