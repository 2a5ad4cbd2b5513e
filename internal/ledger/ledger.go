package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind tags the effect a journal row records.
type Kind string

const (
	KindAI           Kind = "ai"
	KindGrant        Kind = "grant"
	KindRefund       Kind = "refund"
	KindSessionGrant Kind = "session_grant"
	KindSessionUse   Kind = "session_use"
)

// Kinds lists every journal kind in a stable order.
var Kinds = []Kind{KindAI, KindGrant, KindRefund, KindSessionGrant, KindSessionUse}

// Valid reports whether k is one of the known journal kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Wallet is the per-user prepaid balance. CreditsRemaining never drops below zero.
type Wallet struct {
	UserID           string    `json:"user_id"`
	CreditsRemaining int64     `json:"credits_remaining"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UsageEvent is a single append-only journal row. At most one row exists per
// (RequestID, Kind); that uniqueness is what makes every operation idempotent.
type UsageEvent struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	UserID    string    `json:"user_id"`
	Qty       int64     `json:"qty"`
	Kind      Kind      `json:"kind"`
	RequestID string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Effect describes how a mutation touches the wallet.
type Effect int

const (
	// EffectNone appends a journal row without reading or creating the wallet.
	EffectNone Effect = iota
	// EffectDebit decrements the wallet and fails when funds are short.
	EffectDebit
	// EffectCredit increments the wallet.
	EffectCredit
)

// Mutation is the unit of work handed to a Store.
type Mutation struct {
	UserID    string
	RequestID string
	Kind      Kind
	Qty       int64
	Effect    Effect
}

// Validate checks the mutation before it reaches storage.
func (m Mutation) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.RequestID) == "" {
		return fmt.Errorf("%w: request id required", ErrInvalidInput)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, m.Kind)
	}
	if m.Qty < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, m.Qty)
	}
	return nil
}

// Outcome is the tagged result of a ledger operation.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeReplayed
	OutcomeSkipped
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeReplayed:
		return "replayed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome by name in JSON payloads.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result reports what a ledger operation did and the wallet balance afterwards.
// Event is set for Applied and Replayed outcomes.
type Result struct {
	Outcome Outcome     `json:"outcome"`
	Balance int64       `json:"balance"`
	Event   *UsageEvent `json:"event,omitempty"`
}

// Idempotent reports whether the request had already taken effect.
func (r Result) Idempotent() bool { return r.Outcome == OutcomeReplayed }

// Store persists wallets and the usage journal.
//
// Apply must run lookup, wallet mutation and journal append as one atomic
// unit, serialized against other Apply calls for the same user. The journal
// must carry a storage-level unique constraint on (request_id, kind); a
// violation is reported as OutcomeReplayed, never as an error, unless the
// existing row belongs to another user, which fails with ErrRequestConflict.
// A debit that would overdraw returns OutcomeRejected together with
// *InsufficientCreditsError.
type Store interface {
	Apply(ctx context.Context, m Mutation) (Result, error)
	Balance(ctx context.Context, userID string) (int64, error)
	FindEvent(ctx context.Context, requestID string, kind Kind) (*UsageEvent, error)
	ListRecent(ctx context.Context, userID string, limit int, kinds ...Kind) ([]UsageEvent, error)
	// ListByRequestPrefix returns every row of the user whose request id
	// starts with prefix, oldest first.
	ListByRequestPrefix(ctx context.Context, userID, prefix string, kinds ...Kind) ([]UsageEvent, error)
	Close() error
}

// KindStrings converts kinds into their column values.
func KindStrings(kinds []Kind) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

// LikePrefix turns prefix into a LIKE pattern using backslash as the escape
// character, so '%' and '_' in request ids match literally.
func LikePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
