package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store backed by SQLite.
//
// Every transaction starts with BEGIN IMMEDIATE, so the write lock is taken
// before the journal lookup and concurrent check-then-act sequences cannot
// interleave.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
	credits_remaining INTEGER NOT NULL DEFAULT 0 CHECK(credits_remaining >= 0),
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	user_id TEXT NOT NULL,
	qty INTEGER NOT NULL CHECK(qty >= 0),
	kind TEXT NOT NULL CHECK(kind IN ('ai','grant','refund','session_grant','session_use')),
	request_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_events_request_kind ON usage_events(request_id, kind);
CREATE INDEX IF NOT EXISTS idx_usage_events_user_created ON usage_events(user_id, created_at DESC);
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
	if isUniqueViolation(err) {
		return s.replay(ctx, m)
	}
	return res, err
}

func (s *Store) applyTx(ctx context.Context, m ledger.Mutation) (ledger.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanEvent(tx.QueryRowContext(ctx, selectEvent+` WHERE request_id = ? AND kind = ?`, m.RequestID, string(m.Kind)))
	if err != nil {
		return ledger.Result{}, fmt.Errorf("lookup usage event: %w", err)
	}
	if existing != nil {
		if err := ledger.CheckOwner(existing, m); err != nil {
			return ledger.Result{}, err
		}
		balance, err := balanceOf(ctx, tx, m.UserID)
		if err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{Outcome: ledger.OutcomeReplayed, Balance: balance, Event: existing}, nil
	}

	now := time.Now().UTC()
	var balance int64
	switch m.Effect {
	case ledger.EffectDebit, ledger.EffectCredit:
		if _, err := tx.ExecContext(ctx, `
INSERT INTO wallets(user_id, credits_remaining, updated_at) VALUES(?, 0, ?)
ON CONFLICT(user_id) DO NOTHING`, m.UserID, now); err != nil {
			return ledger.Result{}, fmt.Errorf("upsert wallet: %w", err)
		}
		if m.Effect == ledger.EffectDebit {
			err = tx.QueryRowContext(ctx, `
UPDATE wallets SET credits_remaining = credits_remaining - ?, updated_at = ?
WHERE user_id = ? AND credits_remaining >= ?
RETURNING credits_remaining`, m.Qty, now, m.UserID, m.Qty).Scan(&balance)
			if errors.Is(err, sql.ErrNoRows) {
				remaining, berr := balanceOf(ctx, tx, m.UserID)
				if berr != nil {
					return ledger.Result{}, berr
				}
				return ledger.Result{Outcome: ledger.OutcomeRejected, Balance: remaining},
					&ledger.InsufficientCreditsError{Remaining: remaining, Required: m.Qty}
			}
		} else {
			err = tx.QueryRowContext(ctx, `
UPDATE wallets SET credits_remaining = credits_remaining + ?, updated_at = ?
WHERE user_id = ?
RETURNING credits_remaining`, m.Qty, now, m.UserID).Scan(&balance)
		}
		if err != nil {
			return ledger.Result{}, fmt.Errorf("update wallet: %w", err)
		}
	default:
		if balance, err = balanceOf(ctx, tx, m.UserID); err != nil {
			return ledger.Result{}, err
		}
	}

	evt := ledger.UsageEvent{
		UUID:      uuid.NewString(),
		UserID:    m.UserID,
		Qty:       m.Qty,
		Kind:      m.Kind,
		RequestID: m.RequestID,
		CreatedAt: now,
	}
	result, err := tx.ExecContext(ctx, `
INSERT INTO usage_events(uuid, user_id, qty, kind, request_id, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		evt.UUID,
		evt.UserID,
		evt.Qty,
		string(evt.Kind),
		evt.RequestID,
		evt.CreatedAt,
	)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("append usage event: %w", err)
	}
	if evt.ID, err = result.LastInsertId(); err != nil {
		return ledger.Result{}, fmt.Errorf("usage event id: %w", err)
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
	return scanEvent(s.db.QueryRowContext(ctx, selectEvent+` WHERE request_id = ? AND kind = ?`, requestID, string(kind)))
}

// ListRecent returns the latest journal rows for a user.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int, kinds ...ledger.Kind) ([]ledger.UsageEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	query := selectEvent + ` WHERE user_id = ?`
	args := []any{userID}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(`, ?`, len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return s.list(ctx, query, args...)
}

// ListByRequestPrefix returns every row of the user whose request id starts
// with prefix, oldest first.
func (s *Store) ListByRequestPrefix(ctx context.Context, userID, prefix string, kinds ...ledger.Kind) ([]ledger.UsageEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id required")
	}
	query := selectEvent + ` WHERE user_id = ? AND instr(request_id, ?) = 1`
	args := []any{userID, prefix}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(`, ?`, len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
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

const selectEvent = `SELECT id, uuid, user_id, qty, kind, request_id, created_at FROM usage_events`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceOf(ctx context.Context, q querier, userID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT credits_remaining FROM wallets WHERE user_id = ?`, userID).Scan(&balance)
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

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
