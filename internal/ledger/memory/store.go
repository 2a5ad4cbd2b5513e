// Package memory provides an in-process ledger.Store used by tests and
// single-node development runs. All state is lost on exit.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

type eventKey struct {
	requestID string
	kind      ledger.Kind
}

// Store keeps wallets and the journal in maps guarded by a single mutex,
// which serializes every Apply.
type Store struct {
	mu      sync.Mutex
	wallets map[string]*ledger.Wallet
	events  []ledger.UsageEvent
	index   map[eventKey]int
	nextID  int64
	closed  bool
	now     func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		wallets: make(map[string]*ledger.Wallet),
		index:   make(map[eventKey]int),
		now:     time.Now,
	}
}

// Apply implements ledger.Store.
func (s *Store) Apply(_ context.Context, m ledger.Mutation) (ledger.Result, error) {
	if err := m.Validate(); err != nil {
		return ledger.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ledger.Result{}, ledger.ErrStoreClosed
	}

	key := eventKey{requestID: m.RequestID, kind: m.Kind}
	if idx, ok := s.index[key]; ok {
		evt := s.events[idx]
		if err := ledger.CheckOwner(&evt, m); err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{Outcome: ledger.OutcomeReplayed, Balance: s.balanceLocked(m.UserID), Event: &evt}, nil
	}

	now := s.now().UTC()
	balance := s.balanceLocked(m.UserID)
	switch m.Effect {
	case ledger.EffectDebit, ledger.EffectCredit:
		w, ok := s.wallets[m.UserID]
		if !ok {
			w = &ledger.Wallet{UserID: m.UserID}
			s.wallets[m.UserID] = w
		}
		if m.Effect == ledger.EffectDebit {
			if w.CreditsRemaining < m.Qty {
				return ledger.Result{Outcome: ledger.OutcomeRejected, Balance: w.CreditsRemaining},
					&ledger.InsufficientCreditsError{Remaining: w.CreditsRemaining, Required: m.Qty}
			}
			w.CreditsRemaining -= m.Qty
		} else {
			w.CreditsRemaining += m.Qty
		}
		w.UpdatedAt = now
		balance = w.CreditsRemaining
	}

	s.nextID++
	evt := ledger.UsageEvent{
		ID:        s.nextID,
		UUID:      uuid.NewString(),
		UserID:    m.UserID,
		Qty:       m.Qty,
		Kind:      m.Kind,
		RequestID: m.RequestID,
		CreatedAt: now,
	}
	s.events = append(s.events, evt)
	s.index[key] = len(s.events) - 1
	return ledger.Result{Outcome: ledger.OutcomeApplied, Balance: balance, Event: &evt}, nil
}

// Balance implements ledger.Store.
func (s *Store) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID), nil
}

func (s *Store) balanceLocked(userID string) int64 {
	if w, ok := s.wallets[userID]; ok {
		return w.CreditsRemaining
	}
	return 0
}

// FindEvent implements ledger.Store.
func (s *Store) FindEvent(_ context.Context, requestID string, kind ledger.Kind) (*ledger.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[eventKey{requestID: requestID, kind: kind}]
	if !ok {
		return nil, nil
	}
	evt := s.events[idx]
	return &evt, nil
}

// ListRecent implements ledger.Store.
func (s *Store) ListRecent(_ context.Context, userID string, limit int, kinds ...ledger.Kind) ([]ledger.UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ledger.UsageEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.UserID != userID || !matchKind(e.Kind, kinds) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByRequestPrefix implements ledger.Store.
func (s *Store) ListByRequestPrefix(_ context.Context, userID, prefix string, kinds ...ledger.Kind) ([]ledger.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ledger.UsageEvent
	for _, e := range s.events {
		if e.UserID != userID || !strings.HasPrefix(e.RequestID, prefix) || !matchKind(e.Kind, kinds) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close implements ledger.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping reports ErrStoreClosed once the store is closed.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ledger.ErrStoreClosed
	}
	return nil
}

func matchKind(k ledger.Kind, kinds []ledger.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
