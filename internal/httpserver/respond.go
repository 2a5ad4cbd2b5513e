package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metering"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Remaining *int64 `json:"remaining,omitempty"`
	Required  *int64 `json:"required,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	State     string `json:"state,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: err.Error()})
}

// respondInsufficient writes a 402 carrying the amounts needed for display.
func (s *Server) respondInsufficient(w http.ResponseWriter, remaining, required int64) {
	s.respondJSON(w, http.StatusPaymentRequired, ErrorResponse{
		Error:     "insufficient_credits",
		Message:   "not enough credits for this operation",
		Remaining: &remaining,
		Required:  &required,
	})
}

// respondFailure translates ledger and metering errors into HTTP replies.
func (s *Server) respondFailure(w http.ResponseWriter, err error, receipt *metering.Receipt) {
	if ice, ok := ledger.AsInsufficientCredits(err); ok {
		s.respondInsufficient(w, ice.Remaining, ice.Required)
		return
	}
	if ledger.IsInvalid(err) {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	body := ErrorResponse{Message: err.Error()}
	if receipt != nil {
		body.RequestID = receipt.Key
		body.State = receipt.State.String()
	}
	var opErr *metering.OperationError
	switch {
	case errors.Is(err, metering.ErrDuplicateRequest):
		body.Error = "duplicate_request"
		s.respondJSON(w, http.StatusConflict, body)
	case errors.Is(err, ledger.ErrRequestConflict):
		body.Error = "request_conflict"
		body.Message = "request id already used by another account"
		s.respondJSON(w, http.StatusConflict, body)
	case errors.Is(err, metering.ErrEmptyResult):
		body.Error = "empty_result"
		s.respondJSON(w, http.StatusBadGateway, body)
	case errors.As(err, &opErr):
		body.Error = "upstream_failure"
		s.respondJSON(w, http.StatusBadGateway, body)
	default:
		s.logger.Error("request failed", zap.Error(err))
		body.Error = http.StatusText(http.StatusInternalServerError)
		body.Message = "internal error"
		s.respondJSON(w, http.StatusInternalServerError, body)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}
