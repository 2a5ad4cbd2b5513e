package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// newTestStore connects to TOKLIGENCE_LEDGER_DSN and skips when it is unset or unreachable.
func newTestStore(t *testing.T, driver string) *Store {
	t.Helper()
	dsn := os.Getenv("TOKLIGENCE_LEDGER_DSN")
	if dsn == "" {
		t.Skip("TOKLIGENCE_LEDGER_DSN not set")
	}
	store, err := New(dsn, Options{Driver: driver, MaxOpenConns: 10, ConnMaxLifetime: time.Minute})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func uniqueUser(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

func TestPostgresDebitRefundScenario(t *testing.T) {
	for _, driver := range []string{"pgx", "postgres"} {
		t.Run(driver, func(t *testing.T) {
			store := newTestStore(t, driver)
			ctx := context.Background()
			user := uniqueUser("scenario")
			key := func(s string) string { return user + ":" + s }

			if _, err := store.Apply(ctx, ledger.Mutation{UserID: user, RequestID: key("seed"), Kind: ledger.KindGrant, Qty: 5, Effect: ledger.EffectCredit}); err != nil {
				t.Fatalf("grant: %v", err)
			}
			debit := ledger.Mutation{UserID: user, RequestID: key("r1"), Kind: ledger.KindAI, Qty: 1, Effect: ledger.EffectDebit}
			res, err := store.Apply(ctx, debit)
			if err != nil || res.Balance != 4 || res.Outcome != ledger.OutcomeApplied {
				t.Fatalf("unexpected debit result %+v err=%v", res, err)
			}
			res, err = store.Apply(ctx, debit)
			if err != nil || res.Balance != 4 || res.Outcome != ledger.OutcomeReplayed {
				t.Fatalf("unexpected replay result %+v err=%v", res, err)
			}

			_, err = store.Apply(ctx, ledger.Mutation{UserID: user, RequestID: key("r2"), Kind: ledger.KindAI, Qty: 10, Effect: ledger.EffectDebit})
			ice, ok := ledger.AsInsufficientCredits(err)
			if !ok || ice.Remaining != 4 || ice.Required != 10 {
				t.Fatalf("expected insufficient credits {4,10}, got %v", err)
			}

			res, err = store.Apply(ctx, ledger.Mutation{UserID: user, RequestID: key("r1"), Kind: ledger.KindRefund, Qty: 1, Effect: ledger.EffectCredit})
			if err != nil || res.Balance != 5 {
				t.Fatalf("unexpected refund %+v err=%v", res, err)
			}

			events, err := store.ListRecent(ctx, user, 10, ledger.KindAI, ledger.KindRefund)
			if err != nil {
				t.Fatalf("ListRecent: %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("expected debit and refund rows, got %d", len(events))
			}
		})
	}
}

func TestPostgresConcurrentDebits(t *testing.T) {
	store := newTestStore(t, "pgx")
	ctx := context.Background()
	user := uniqueUser("concurrent")
	if _, err := store.Apply(ctx, ledger.Mutation{UserID: user, RequestID: user + ":seed", Kind: ledger.KindGrant, Qty: 10, Effect: ledger.EffectCredit}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Apply(ctx, ledger.Mutation{UserID: user, RequestID: fmt.Sprintf("%s:%d", user, i), Kind: ledger.KindAI, Qty: 10, Effect: ledger.EffectDebit})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, ledger.ErrInsufficientCredits) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one debit to succeed, got %d", succeeded)
	}
	if bal, _ := store.Balance(ctx, user); bal != 0 {
		t.Fatalf("expected 0 balance, got %d", bal)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("wrapped: %w", &pq.Error{Code: "23505"})) {
		t.Fatalf("expected pq unique violation to be detected")
	}
	if isUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Fatalf("foreign key violation must not count as unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error must not count as unique violation")
	}
}

func TestPostgresRequestIDOfAnotherUserConflicts(t *testing.T) {
	store := newTestStore(t, "pgx")
	ctx := context.Background()
	alice, mallory := uniqueUser("alice"), uniqueUser("mallory")
	key := alice + ":k1"
	if _, err := store.Apply(ctx, ledger.Mutation{UserID: alice, RequestID: key, Kind: ledger.KindGrant, Qty: 3, Effect: ledger.EffectCredit}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	_, err := store.Apply(ctx, ledger.Mutation{UserID: mallory, RequestID: key, Kind: ledger.KindGrant, Qty: 3, Effect: ledger.EffectCredit})
	if !errors.Is(err, ledger.ErrRequestConflict) {
		t.Fatalf("expected ErrRequestConflict, got %v", err)
	}
	if bal, _ := store.Balance(ctx, mallory); bal != 0 {
		t.Fatalf("mallory balance %d", bal)
	}
	if _, err := store.replay(ctx, ledger.Mutation{UserID: mallory, RequestID: key, Kind: ledger.KindGrant, Qty: 3}); !errors.Is(err, ledger.ErrRequestConflict) {
		t.Fatalf("expected ErrRequestConflict from replay, got %v", err)
	}
}

func TestPostgresListByRequestPrefix(t *testing.T) {
	store := newTestStore(t, "pgx")
	ctx := context.Background()
	user := uniqueUser("prefix")
	for _, key := range []string{"s_1:grant:a", "s_1:0", "sx1:grant:a", "S_1:grant:b"} {
		if _, err := store.Apply(ctx, ledger.Mutation{UserID: user, RequestID: user + "/" + key, Kind: ledger.KindSessionGrant, Qty: 1}); err != nil {
			t.Fatalf("Apply %s: %v", key, err)
		}
	}
	events, err := store.ListByRequestPrefix(ctx, user, user+"/s_1:", ledger.KindSessionGrant)
	if err != nil {
		t.Fatalf("ListByRequestPrefix: %v", err)
	}
	if len(events) != 2 || events[0].RequestID != user+"/s_1:grant:a" {
		t.Fatalf("unexpected events %#v", events)
	}
}
