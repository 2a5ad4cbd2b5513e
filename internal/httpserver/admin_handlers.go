package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metering"
)

type grantRequest struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Qty       int64  `json:"qty"`
}

type entitlementGrantRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Qty       int64  `json:"qty"`
}

// handleAdminGrant adds credits to a wallet. request_id is mandatory so a
// retried grant never pays out twice.
func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var body grantRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.ledger.Grant(r.Context(), strings.TrimSpace(body.UserID), strings.TrimSpace(body.RequestID), body.Qty)
	if err != nil {
		s.respondFailure(w, err, nil)
		return
	}
	s.logger.Info("admin grant",
		zap.String("admin", userFromContext(r.Context())),
		zap.String("user_id", body.UserID),
		zap.Int64("qty", body.Qty),
		zap.Stringer("outcome", res.Outcome))
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminEntitlementGrant(w http.ResponseWriter, r *http.Request) {
	var body entitlementGrantRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	sessionID := strings.TrimSpace(body.SessionID)
	requestID := strings.TrimSpace(body.RequestID)
	userID := strings.TrimSpace(body.UserID)
	if userID == "" || sessionID == "" || requestID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id, session_id and request_id required"))
		return
	}
	if !metering.ValidResourceID(sessionID) {
		s.respondError(w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	key := metering.SessionKey(userID, sessionID, "grant", requestID)
	res, err := s.ledger.IncrementEntitlement(r.Context(), userID, key, body.Qty)
	if err != nil {
		s.respondFailure(w, err, nil)
		return
	}
	allowance, err := s.sessionAllowance(r.Context(), userID, sessionID)
	if err != nil {
		s.respondFailure(w, err, nil)
		return
	}
	s.respondJSON(w, http.StatusOK, struct {
		ledger.Result
		Allowance Allowance `json:"allowance"`
	}{res, allowance})
}
