// Package metering runs paid external operations against the credit ledger:
// reserve credits, attempt the operation, then keep the charge or refund it.
package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metrics"
)

const defaultCompensationTimeout = 10 * time.Second

// ErrEmptyResult is returned when the operation succeeded but produced
// nothing usable. The reservation has been refunded.
var ErrEmptyResult = errors.New("metering: operation returned no usable output")

// ErrDuplicateRequest is returned when the key was already reserved by an
// earlier run. The operation is not attempted again and nothing is charged.
var ErrDuplicateRequest = errors.New("metering: request already processed")

// OperationError wraps a failure of the external operation. The reservation
// has been refunded (or a refund was attempted) before it is returned.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	if e.Op == "" {
		return "metering: operation failed: " + e.Err.Error()
	}
	return fmt.Sprintf("metering: %s failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// State is a step of a metered run.
type State int

const (
	StateStart State = iota
	StateReserved
	StateRejected
	StateAttempting
	StateCommitted
	StateCompensating
	StateCompensated
	StateCompensationFailed
	StateDuplicate
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateReserved:
		return "reserved"
	case StateRejected:
		return "rejected"
	case StateAttempting:
		return "attempting"
	case StateCommitted:
		return "committed"
	case StateCompensating:
		return "compensating"
	case StateCompensated:
		return "compensated"
	case StateCompensationFailed:
		return "compensation_failed"
	case StateDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateStart; st <= StateDuplicate; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("metering: unknown state %q", text)
}

// Ledger is the subset of ledger operations a Meter drives.
type Ledger interface {
	Debit(ctx context.Context, userID, requestID string, qty int64) (ledger.Result, error)
	Refund(ctx context.Context, userID, requestID string, qty int64) (ledger.Result, error)
	ConsumeEntitlement(ctx context.Context, userID, requestID string, qty int64) (ledger.Result, error)
	IncrementEntitlement(ctx context.Context, userID, requestID string, qty int64) (ledger.Result, error)
}

// Recorder counts compensations.
type Recorder interface {
	RecordCompensation(result string)
}

// Request describes one metered call.
type Request struct {
	UserID string
	// Key is the idempotency key of the logical action. Reusing a key makes
	// the reservation a replay, which ends the run with ErrDuplicateRequest;
	// a retry that should be charged again needs a fresh key.
	Key string
	// Cost is the number of credits (or allowances) reserved.
	Cost int64
	// Operation labels logs and spans, e.g. "generate".
	Operation string
}

// Receipt describes how a run ended. Charged is what this run debited and
// still holds; it is zero for replays and after a refund.
type Receipt struct {
	Key      string `json:"request_id"`
	State    State  `json:"state"`
	Charged  int64  `json:"charged"`
	Balance  int64  `json:"balance"`
	Replayed bool   `json:"replayed"`
}

// Meter drives metered runs against a Ledger.
type Meter struct {
	ledger              Ledger
	logger              *zap.Logger
	recorder            Recorder
	hooks               *hooks.Dispatcher
	tracer              trace.Tracer
	compensationTimeout time.Duration
}

// Option configures a Meter.
type Option func(*Meter)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Meter) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder sets the compensation counter.
func WithRecorder(r Recorder) Option {
	return func(m *Meter) { m.recorder = r }
}

// WithHooks sets the dispatcher notified when a refund cannot be recorded.
func WithHooks(d *hooks.Dispatcher) Option {
	return func(m *Meter) { m.hooks = d }
}

// WithTracer overrides the tracer. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(m *Meter) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithCompensationTimeout bounds each refund call.
func WithCompensationTimeout(d time.Duration) Option {
	return func(m *Meter) {
		if d > 0 {
			m.compensationTimeout = d
		}
	}
}

// NewMeter builds a Meter over l.
func NewMeter(l Ledger, opts ...Option) *Meter {
	m := &Meter{
		ledger:              l,
		logger:              zap.NewNop(),
		tracer:              otel.Tracer("github.com/tokligence/tokligence-credits/internal/metering"),
		compensationTimeout: defaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewRequestKey mints a fresh idempotency key, one per user action.
func NewRequestKey() string {
	return uuid.NewString()
}

// ResourceKey derives a stable key from a resource, so repeating the same
// action on that resource (e.g. regenerating a session) is charged once.
func ResourceKey(scope, id string, parts ...string) string {
	segs := append([]string{strings.TrimSpace(scope), strings.TrimSpace(id)}, parts...)
	return strings.Join(segs, ":")
}

// UserKey scopes a caller-supplied idempotency key to its user, so equal keys
// sent by different users never collide.
func UserKey(userID, key string) string {
	return ResourceKey("user", userID, strings.TrimSpace(key))
}

// SessionKey derives keys for a user's session allowance. Every grant and use
// of one session shares the SessionKey(userID, sessionID) + ":" prefix.
func SessionKey(userID, sessionID string, parts ...string) string {
	return ResourceKey("session", strings.TrimSpace(userID)+"/"+strings.TrimSpace(sessionID), parts...)
}

// ValidResourceID reports whether id can be embedded in a derived key without
// colliding with another resource's key space.
func ValidResourceID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.ContainsAny(id, ":/")
}

type reservation struct {
	reserve    func(ctx context.Context, userID, key string, qty int64) (ledger.Result, error)
	compensate func(ctx context.Context, userID, key string, qty int64) (ledger.Result, error)
	refundKey  func(key string) string
	kind       string
}

// Run reserves req.Cost credits, runs attempt and refunds the reservation if
// attempt fails or usable rejects its output. Insufficient credits and ledger
// failures are returned unmodified and attempt is never called. A nil usable
// accepts every output.
func Run[T any](ctx context.Context, m *Meter, req Request, attempt func(context.Context) (T, error), usable func(T) bool) (T, Receipt, error) {
	return run(ctx, m, req, reservation{
		reserve:    m.ledger.Debit,
		compensate: m.ledger.Refund,
		refundKey:  func(key string) string { return key },
		kind:       "credits",
	}, attempt, usable)
}

// RunEntitlement is Run against a session allowance instead of the wallet:
// the reservation consumes req.Cost allowances and compensation grants them
// back under a key derived from req.Key.
func RunEntitlement[T any](ctx context.Context, m *Meter, req Request, attempt func(context.Context) (T, error), usable func(T) bool) (T, Receipt, error) {
	return run(ctx, m, req, reservation{
		reserve:    m.ledger.ConsumeEntitlement,
		compensate: m.ledger.IncrementEntitlement,
		refundKey:  func(key string) string { return key + ":compensation" },
		kind:       "entitlement",
	}, attempt, usable)
}

func run[T any](ctx context.Context, m *Meter, req Request, r reservation, attempt func(context.Context) (T, error), usable func(T) bool) (T, Receipt, error) {
	var zero T
	receipt := Receipt{Key: req.Key, State: StateStart}
	op := req.Operation
	if op == "" {
		op = "operation"
	}

	ctx, span := m.tracer.Start(ctx, "metering."+op, trace.WithAttributes(
		attribute.String("credits.user_id", req.UserID),
		attribute.String("credits.request_id", req.Key),
		attribute.Int64("credits.cost", req.Cost),
		attribute.String("credits.reservation", r.kind),
	))
	defer func() {
		span.SetAttributes(attribute.String("credits.state", receipt.State.String()))
		span.End()
	}()

	logger := m.logger.With(
		zap.String("operation", op),
		zap.String("user_id", req.UserID),
		zap.String("request_id", req.Key),
		zap.Int64("cost", req.Cost),
	)

	res, err := r.reserve(ctx, req.UserID, req.Key, req.Cost)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			receipt.State = StateRejected
			receipt.Balance = res.Balance
			span.SetStatus(codes.Error, "insufficient credits")
		case errors.Is(err, ledger.ErrRequestConflict):
			span.SetStatus(codes.Error, "request conflict")
			logger.Warn("reservation key belongs to another user")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "reserve failed")
			logger.Error("reservation failed", zap.Error(err))
		}
		return zero, receipt, err
	}
	receipt.Balance = res.Balance
	if res.Idempotent() {
		receipt.State = StateDuplicate
		receipt.Replayed = true
		span.SetStatus(codes.Error, "duplicate request")
		logger.Info("request already reserved; not attempting again")
		return zero, receipt, ErrDuplicateRequest
	}
	receipt.State = StateReserved
	if res.Event != nil {
		receipt.Charged = res.Event.Qty
	}
	logger.Debug("reserved", zap.Stringer("outcome", res.Outcome), zap.Int64("balance", res.Balance))

	receipt.State = StateAttempting
	out, attemptErr := attempt(ctx)
	switch {
	case attemptErr != nil:
		span.RecordError(attemptErr)
		logger.Warn("metered operation failed", zap.Error(attemptErr))
		attemptErr = &OperationError{Op: op, Err: attemptErr}
	case usable != nil && !usable(out):
		logger.Warn("metered operation returned unusable output")
		attemptErr = ErrEmptyResult
	default:
		receipt.State = StateCommitted
		span.SetStatus(codes.Ok, "")
		return out, receipt, nil
	}

	receipt.State = StateCompensating
	span.SetStatus(codes.Error, attemptErr.Error())
	m.compensate(ctx, logger, req, r, &receipt)
	return zero, receipt, attemptErr
}

// compensate refunds what the reservation actually charged. It survives cancellation of the caller's
// context, and its own failure never replaces the caller-visible error.
func (m *Meter) compensate(ctx context.Context, logger *zap.Logger, req Request, r reservation, receipt *Receipt) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.compensationTimeout)
	defer cancel()

	if receipt.Charged == 0 {
		receipt.State = StateCompensated
		logger.Debug("nothing charged; no refund needed")
		return
	}
	refundKey := r.refundKey(req.Key)
	res, err := r.compensate(cctx, req.UserID, refundKey, receipt.Charged)
	if err != nil {
		receipt.State = StateCompensationFailed
		m.recordCompensation(metrics.CompensationFailed)
		logger.Error("compensation failed; charge requires reconciliation", zap.String("refund_key", refundKey), zap.Error(err))
		if m.hooks != nil {
			evt := hooks.Event{
				ID:         uuid.NewString(),
				Type:       hooks.EventCompensationFailed,
				OccurredAt: time.Now().UTC(),
				UserID:     req.UserID,
				RequestID:  refundKey,
				Kind:       r.kind,
				Qty:        receipt.Charged,
				Metadata:   map[string]any{"error": err.Error(), "operation": req.Operation},
			}
			if herr := m.hooks.Emit(cctx, evt); herr != nil {
				logger.Warn("hook delivery failed", zap.Error(herr))
			}
		}
		return
	}
	receipt.State = StateCompensated
	receipt.Balance = res.Balance
	receipt.Charged = 0
	m.recordCompensation(metrics.CompensationRefunded)
	logger.Info("reservation refunded", zap.Stringer("outcome", res.Outcome), zap.Int64("balance", res.Balance))
}

func (m *Meter) recordCompensation(result string) {
	if m.recorder != nil {
		m.recorder.RecordCompensation(result)
	}
}
