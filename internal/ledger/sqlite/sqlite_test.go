package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func grant(t *testing.T, s *Store, user, key string, qty int64) {
	t.Helper()
	if _, err := s.Apply(context.Background(), ledger.Mutation{UserID: user, RequestID: key, Kind: ledger.KindGrant, Qty: qty, Effect: ledger.EffectCredit}); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func debit(s *Store, user, key string, qty int64) (ledger.Result, error) {
	return s.Apply(context.Background(), ledger.Mutation{UserID: user, RequestID: key, Kind: ledger.KindAI, Qty: qty, Effect: ledger.EffectDebit})
}

func TestDebitRefundScenario(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	grant(t, store, "u1", "seed", 5)

	res, err := debit(store, "u1", "r1", 1)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.Outcome != ledger.OutcomeApplied || res.Balance != 4 {
		t.Fatalf("unexpected first debit %+v", res)
	}

	res, err = debit(store, "u1", "r1", 1)
	if err != nil {
		t.Fatalf("replayed debit: %v", err)
	}
	if res.Outcome != ledger.OutcomeReplayed || res.Balance != 4 {
		t.Fatalf("expected replay at 4, got %+v", res)
	}

	res, err = debit(store, "u1", "r2", 10)
	var ice *ledger.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if ice.Remaining != 4 || ice.Required != 10 {
		t.Fatalf("unexpected error payload %+v", ice)
	}
	if res.Outcome != ledger.OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %v", res.Outcome)
	}
	if evt, _ := store.FindEvent(ctx, "r2", ledger.KindAI); evt != nil {
		t.Fatalf("rejected debit must not be journaled")
	}

	res, err = store.Apply(ctx, ledger.Mutation{UserID: "u1", RequestID: "r1", Kind: ledger.KindRefund, Qty: 1, Effect: ledger.EffectCredit})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.Balance != 5 {
		t.Fatalf("expected balance restored to 5, got %d", res.Balance)
	}

	bal, err := store.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 5 {
		t.Fatalf("expected 5, got %d", bal)
	}
}

func TestApplyIsIdempotentPerKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		grant(t, store, "u2", "grant-1", 7)
	}
	bal, _ := store.Balance(ctx, "u2")
	if bal != 7 {
		t.Fatalf("expected single grant effect, got %d", bal)
	}
	events, err := store.ListRecent(ctx, "u2", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one journal row, got %d", len(events))
	}
}

func TestEntitlementLeavesWalletAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.Apply(ctx, ledger.Mutation{UserID: "u3", RequestID: "session:abc:grant", Kind: ledger.KindSessionGrant, Qty: 3, Effect: ledger.EffectNone})
	if err != nil {
		t.Fatalf("entitlement grant: %v", err)
	}
	if res.Outcome != ledger.OutcomeApplied || res.Balance != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM wallets WHERE user_id = ?`, "u3").Scan(&count); err != nil {
		t.Fatalf("count wallets: %v", err)
	}
	if count != 0 {
		t.Fatalf("entitlement must not create a wallet")
	}
}

func TestJournalUniquenessEnforcedByStorage(t *testing.T) {
	store := newTestStore(t)
	grant(t, store, "u4", "dup", 1)

	_, err := store.db.Exec(`INSERT INTO usage_events(uuid, user_id, qty, kind, request_id) VALUES('x', 'u4', 1, 'grant', 'dup')`)
	if err == nil {
		t.Fatalf("expected unique constraint violation")
	}
	if !isUniqueViolation(err) {
		t.Fatalf("expected unique violation classification, got %v", err)
	}
}

func TestConcurrentDebitsOnlyOneSucceeds(t *testing.T) {
	store := newTestStore(t)
	grant(t, store, "u5", "seed", 10)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = debit(store, "u5", fmt.Sprintf("req-%d", i), 10)
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientCredits):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("expected one success and one rejection, got ok=%d rejected=%d", ok, rejected)
	}
	bal, _ := store.Balance(context.Background(), "u5")
	if bal != 0 {
		t.Fatalf("expected balance 0, got %d", bal)
	}
}

func TestConcurrentReplaysChargeOnce(t *testing.T) {
	store := newTestStore(t)
	grant(t, store, "u6", "seed", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := debit(store, "u6", "same-key", 3)
			if err != nil {
				t.Errorf("debit: %v", err)
				return
			}
			if res.Outcome == ledger.OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied debit, got %d", applied)
	}
	bal, _ := store.Balance(context.Background(), "u6")
	if bal != 97 {
		t.Fatalf("expected 97, got %d", bal)
	}
}

func TestListRecentFiltersKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	grant(t, store, "u7", "g1", 5)
	if _, err := debit(store, "u7", "d1", 2); err != nil {
		t.Fatalf("debit: %v", err)
	}

	events, err := store.ListRecent(ctx, "u7", 10, ledger.KindAI)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(events) != 1 || events[0].Kind != ledger.KindAI || events[0].Qty != 2 {
		t.Fatalf("unexpected events %#v", events)
	}

	all, err := store.ListRecent(ctx, "u7", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(all) != 2 || all[0].RequestID != "d1" {
		t.Fatalf("unexpected ordering %#v", all)
	}
}

func TestApplyValidation(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Apply(context.Background(), ledger.Mutation{RequestID: "r", Kind: ledger.KindAI, Qty: 1}); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing user, got %v", err)
	}
	if _, err := store.Apply(context.Background(), ledger.Mutation{UserID: "u", RequestID: "r", Kind: ledger.KindAI, Qty: -1}); !errors.Is(err, ledger.ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity, got %v", err)
	}
}

func TestRequestIDOfAnotherUserConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	grant(t, store, "alice", "seed-alice", 5)
	if _, err := debit(store, "alice", "k1", 2); err != nil {
		t.Fatalf("debit: %v", err)
	}

	if _, err := debit(store, "mallory", "k1", 2); !errors.Is(err, ledger.ErrRequestConflict) {
		t.Fatalf("expected ErrRequestConflict for debit, got %v", err)
	}
	refund := ledger.Mutation{UserID: "alice", RequestID: "k1", Kind: ledger.KindRefund, Qty: 2, Effect: ledger.EffectCredit}
	if _, err := store.Apply(ctx, refund); err != nil {
		t.Fatalf("refund: %v", err)
	}
	refund.UserID = "mallory"
	if _, err := store.Apply(ctx, refund); !errors.Is(err, ledger.ErrRequestConflict) {
		t.Fatalf("expected ErrRequestConflict for refund, got %v", err)
	}
	if bal, _ := store.Balance(ctx, "alice"); bal != 5 {
		t.Fatalf("alice balance %d", bal)
	}
	if bal, _ := store.Balance(ctx, "mallory"); bal != 0 {
		t.Fatalf("mallory balance %d", bal)
	}
}

func TestReplayAfterUniqueViolationChecksOwner(t *testing.T) {
	store := newTestStore(t)
	grant(t, store, "alice", "k1", 1)
	_, err := store.replay(context.Background(), ledger.Mutation{UserID: "mallory", RequestID: "k1", Kind: ledger.KindGrant, Qty: 1, Effect: ledger.EffectCredit})
	if !errors.Is(err, ledger.ErrRequestConflict) {
		t.Fatalf("expected ErrRequestConflict, got %v", err)
	}
}

func TestListByRequestPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entitle := func(user, key string, kind ledger.Kind) {
		t.Helper()
		if _, err := store.Apply(ctx, ledger.Mutation{UserID: user, RequestID: key, Kind: kind, Qty: 1, Effect: ledger.EffectNone}); err != nil {
			t.Fatalf("Apply %s: %v", key, err)
		}
	}
	entitle("u8", "session:u8/s1:grant:a", ledger.KindSessionGrant)
	entitle("u8", "session:u8/s1:0", ledger.KindSessionUse)
	entitle("u8", "session:u8/s10:grant:a", ledger.KindSessionGrant)
	entitle("u8", "SESSION:u8/s1:grant:b", ledger.KindSessionGrant)
	entitle("u9", "session:u9/s1:grant:a", ledger.KindSessionGrant)
	grant(t, store, "u8", "session:u8/s1:wallet", 1)

	events, err := store.ListByRequestPrefix(ctx, "u8", "session:u8/s1:", ledger.KindSessionGrant, ledger.KindSessionUse)
	if err != nil {
		t.Fatalf("ListByRequestPrefix: %v", err)
	}
	if len(events) != 2 || events[0].RequestID != "session:u8/s1:grant:a" || events[1].RequestID != "session:u8/s1:0" {
		t.Fatalf("unexpected events %#v", events)
	}
}
