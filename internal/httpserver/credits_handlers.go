package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

const maxHistoryLimit = 500

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type historyResponse struct {
	UserID string              `json:"user_id"`
	Events []ledger.UsageEvent `json:"events"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.writeBalance(w, r, userFromContext(r.Context()))
}

func (s *Server) handleAdminBalance(w http.ResponseWriter, r *http.Request) {
	s.writeBalance(w, r, chi.URLParam(r, "userID"))
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, userID string) {
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.respondFailure(w, err, nil)
		return
	}
	s.respondJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

// handleHistory lists recent journal rows. ?kind=ai,refund filters by kind.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	var kinds []ledger.Kind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			k := ledger.Kind(strings.TrimSpace(part))
			if !k.Valid() {
				s.respondError(w, http.StatusBadRequest, errors.New("unknown kind "+string(k)))
				return
			}
			kinds = append(kinds, k)
		}
	}

	userID := userFromContext(r.Context())
	events, err := s.ledger.History(r.Context(), userID, limit, kinds...)
	if err != nil {
		s.respondFailure(w, err, nil)
		return
	}
	if events == nil {
		events = []ledger.UsageEvent{}
	}
	s.respondJSON(w, http.StatusOK, historyResponse{UserID: userID, Events: events})
}
