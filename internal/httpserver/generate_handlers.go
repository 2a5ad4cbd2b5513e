package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/tokligence-credits/internal/generation"
	"github.com/tokligence/tokligence-credits/internal/metering"
)

var errInvalidSessionID = errors.New("session id must be non-empty and must not contain ':' or '/'")

type generateRequest struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	Model     string `json:"model,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type sessionGenerateRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Model  string `json:"model,omitempty"`
	// Attempt distinguishes deliberate regenerations; repeating an attempt
	// number is answered with 409 and consumes nothing.
	Attempt int `json:"attempt"`
}

type generateResponse struct {
	metering.Receipt
	Result generation.Result `json:"result"`
}

// handleGenerate runs one metered generation charged to the caller's wallet.
// The Idempotency-Key header (or request_id) is scoped to the caller; reusing
// it is answered with 409 instead of a second generation. Without a key every
// call is charged.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("prompt required"))
		return
	}
	if s.generator == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("no generation provider configured"))
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		key = strings.TrimSpace(body.RequestID)
	}
	if key == "" {
		key = metering.NewRequestKey()
	}
	userID := userFromContext(r.Context())
	req := generation.Request{Model: body.Model, System: body.System, Prompt: body.Prompt, UserID: userID}

	res, receipt, err := metering.Run(r.Context(), s.meter,
		metering.Request{UserID: userID, Key: metering.UserKey(userID, key), Cost: s.cost, Operation: "generate"},
		s.attempt(req), generation.Usable)
	receipt.Key = key
	if err != nil {
		s.respondFailure(w, err, &receipt)
		return
	}
	s.respondJSON(w, http.StatusOK, generateResponse{Receipt: receipt, Result: res})
}

// handleSessionGenerate runs a generation against the session's allowance
// instead of the wallet.
func (s *Server) handleSessionGenerate(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if !metering.ValidResourceID(sessionID) {
		s.respondError(w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	var body sessionGenerateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("prompt required"))
		return
	}
	if body.Attempt < 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("attempt must not be negative"))
		return
	}
	if s.generator == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("no generation provider configured"))
		return
	}

	userID := userFromContext(r.Context())
	key := metering.SessionKey(userID, sessionID, strconv.Itoa(body.Attempt))
	used, err := s.sessionUseExists(r.Context(), userID, key)
	if err != nil {
		s.respondFailure(w, err, nil)
		return
	}
	if used {
		s.respondFailure(w, metering.ErrDuplicateRequest, &metering.Receipt{Key: key, State: metering.StateDuplicate, Replayed: true})
		return
	}
	allowance, err := s.sessionAllowance(r.Context(), userID, sessionID)
	if err != nil {
		s.respondFailure(w, err, nil)
		return
	}
	if allowance.Remaining < 1 {
		s.respondInsufficient(w, allowance.Remaining, 1)
		return
	}

	req := generation.Request{Model: body.Model, System: body.System, Prompt: body.Prompt, UserID: userID}
	res, receipt, err := metering.RunEntitlement(r.Context(), s.meter,
		metering.Request{UserID: userID, Key: key, Cost: 1, Operation: "session_generate"},
		s.attempt(req), generation.Usable)
	if err != nil {
		s.respondFailure(w, err, &receipt)
		return
	}
	s.respondJSON(w, http.StatusOK, generateResponse{Receipt: receipt, Result: res})
}

func (s *Server) handleSessionEntitlement(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if !metering.ValidResourceID(sessionID) {
		s.respondError(w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	allowance, err := s.sessionAllowance(r.Context(), userFromContext(r.Context()), sessionID)
	if err != nil {
		s.respondFailure(w, err, nil)
		return
	}
	s.respondJSON(w, http.StatusOK, allowance)
}

func (s *Server) attempt(req generation.Request) func(context.Context) (generation.Result, error) {
	return func(ctx context.Context) (generation.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, s.genTimeout)
		defer cancel()
		return s.generator.Generate(ctx, req)
	}
}
