package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("ledger: invalid input")
	ErrInvalidQuantity     = errors.New("ledger: invalid quantity")
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrStoreClosed         = errors.New("ledger: store is closed")
	// ErrRequestConflict means the request id is already recorded for another user.
	ErrRequestConflict = errors.New("ledger: request id belongs to another user")
)

// InsufficientCreditsError is returned when a debit would take the wallet below zero.
// Nothing is written when it occurs.
type InsufficientCreditsError struct {
	Remaining int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits (remaining=%d, required=%d)", e.Remaining, e.Required)
}

// Is makes errors.Is(err, ErrInsufficientCredits) match.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// AsInsufficientCredits extracts the typed error from a chain.
func AsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return ice, true
	}
	return nil, false
}

// CheckOwner rejects a replay whose journal row was written for a different user.
func CheckOwner(existing *UsageEvent, m Mutation) error {
	if existing != nil && existing.UserID != m.UserID {
		return fmt.Errorf("%w: %s/%s", ErrRequestConflict, m.Kind, m.RequestID)
	}
	return nil
}

// IsInvalid reports whether err was caused by bad caller input.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInvalidQuantity)
}
