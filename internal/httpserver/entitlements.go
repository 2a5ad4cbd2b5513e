package httpserver

import (
	"context"

	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metering"
)

// Allowance totals a session's entitlement rows.
type Allowance struct {
	SessionID string `json:"session_id"`
	Granted   int64  `json:"granted"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// sessionAllowance sums session_grant against session_use rows whose keys
// belong to the user's session. The ledger only appends; totals are computed here.
func (s *Server) sessionAllowance(ctx context.Context, userID, sessionID string) (Allowance, error) {
	prefix := metering.SessionKey(userID, sessionID) + ":"
	events, err := s.ledger.HistoryByRequestPrefix(ctx, userID, prefix, ledger.KindSessionGrant, ledger.KindSessionUse)
	if err != nil {
		return Allowance{}, err
	}
	a := Allowance{SessionID: sessionID}
	for _, e := range events {
		switch e.Kind {
		case ledger.KindSessionGrant:
			a.Granted += e.Qty
		case ledger.KindSessionUse:
			a.Used += e.Qty
		}
	}
	a.Remaining = a.Granted - a.Used
	return a, nil
}

// sessionUseExists reports whether the user already consumed key.
func (s *Server) sessionUseExists(ctx context.Context, userID, key string) (bool, error) {
	evt, err := s.ledger.Store().FindEvent(ctx, key, ledger.KindSessionUse)
	if err != nil {
		return false, err
	}
	return evt != nil && evt.UserID == userID, nil
}
