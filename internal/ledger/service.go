package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokligence/tokligence-credits/internal/hooks"
)

// ExemptChecker decides whether an account is exempt from debiting.
// Implementations must resolve membership on every call.
type ExemptChecker interface {
	IsExempt(ctx context.Context, userID string) (bool, error)
}

// Recorder receives per-operation telemetry.
type Recorder interface {
	RecordLedgerOperation(kind, outcome string, elapsed time.Duration)
}

// Service exposes the idempotent ledger operations on top of a Store.
type Service struct {
	store    Store
	exempt   ExemptChecker
	logger   *zap.Logger
	recorder Recorder
	hooks    *hooks.Dispatcher
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithExemptPolicy installs the admin bypass policy consulted by Debit.
func WithExemptPolicy(p ExemptChecker) Option {
	return func(s *Service) { s.exempt = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithHooks sets the dispatcher notified after newly applied operations.
func WithHooks(d *hooks.Dispatcher) Option {
	return func(s *Service) { s.hooks = d }
}

// NewService wraps store with the ledger operations.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Debit charges qty credits for requestID. Exempt accounts get a zero-quantity
// journal row instead and their wallet is left untouched.
func (s *Service) Debit(ctx context.Context, userID, requestID string, qty int64) (Result, error) {
	m := Mutation{UserID: userID, RequestID: requestID, Kind: KindAI, Qty: qty, Effect: EffectDebit}
	if err := m.Validate(); err != nil {
		return Result{}, err
	}
	if qty == 0 {
		return s.skip(ctx, m)
	}
	if s.exempt != nil {
		exempt, err := s.exempt.IsExempt(ctx, userID)
		if err != nil {
			return Result{}, fmt.Errorf("resolve exempt policy: %w", err)
		}
		if exempt {
			m.Qty = 0
			m.Effect = EffectNone
		}
	}
	return s.apply(ctx, m)
}

// Refund compensates a debit. It is keyed by the same request id as the debit it reverses.
func (s *Service) Refund(ctx context.Context, userID, requestID string, qty int64) (Result, error) {
	return s.run(ctx, Mutation{UserID: userID, RequestID: requestID, Kind: KindRefund, Qty: qty, Effect: EffectCredit})
}

// Grant adds credits to a wallet.
func (s *Service) Grant(ctx context.Context, userID, requestID string, qty int64) (Result, error) {
	return s.run(ctx, Mutation{UserID: userID, RequestID: requestID, Kind: KindGrant, Qty: qty, Effect: EffectCredit})
}

// IncrementEntitlement records a session allowance. The wallet is not touched.
func (s *Service) IncrementEntitlement(ctx context.Context, userID, requestID string, qty int64) (Result, error) {
	return s.run(ctx, Mutation{UserID: userID, RequestID: requestID, Kind: KindSessionGrant, Qty: qty, Effect: EffectNone})
}

// ConsumeEntitlement records use of a session allowance. The wallet is not
// touched; callers own the interpretation of remaining allowance.
func (s *Service) ConsumeEntitlement(ctx context.Context, userID, requestID string, qty int64) (Result, error) {
	return s.run(ctx, Mutation{UserID: userID, RequestID: requestID, Kind: KindSessionUse, Qty: qty, Effect: EffectNone})
}

// Balance returns the wallet balance, zero for users without a wallet.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.store.Balance(ctx, userID)
}

// History returns recent journal rows for the user, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int, kinds ...Kind) ([]UsageEvent, error) {
	return s.store.ListRecent(ctx, userID, limit, kinds...)
}

// HistoryByRequestPrefix returns every journal row of the user whose request
// id starts with prefix, oldest first.
func (s *Service) HistoryByRequestPrefix(ctx context.Context, userID, prefix string, kinds ...Kind) ([]UsageEvent, error) {
	return s.store.ListByRequestPrefix(ctx, userID, prefix, kinds...)
}

func (s *Service) run(ctx context.Context, m Mutation) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}
	if m.Qty == 0 {
		return s.skip(ctx, m)
	}
	return s.apply(ctx, m)
}

func (s *Service) skip(ctx context.Context, m Mutation) (Result, error) {
	balance, err := s.store.Balance(ctx, m.UserID)
	if err != nil {
		return Result{}, err
	}
	s.record(m.Kind, OutcomeSkipped, 0)
	return Result{Outcome: OutcomeSkipped, Balance: balance}, nil
}

func (s *Service) apply(ctx context.Context, m Mutation) (Result, error) {
	start := s.now()
	res, err := s.store.Apply(ctx, m)
	elapsed := s.now().Sub(start)

	if ice, ok := AsInsufficientCredits(err); ok {
		s.record(m.Kind, OutcomeRejected, elapsed)
		s.logger.Info("debit rejected",
			zap.String("user_id", m.UserID),
			zap.String("request_id", m.RequestID),
			zap.Int64("remaining", ice.Remaining),
			zap.Int64("required", ice.Required))
		return res, err
	}
	if errors.Is(err, ErrRequestConflict) {
		s.logger.Warn("request id already used by another user",
			zap.String("kind", string(m.Kind)),
			zap.String("user_id", m.UserID),
			zap.String("request_id", m.RequestID))
		return Result{}, err
	}
	if err != nil {
		s.logger.Error("ledger operation failed",
			zap.String("kind", string(m.Kind)),
			zap.String("user_id", m.UserID),
			zap.String("request_id", m.RequestID),
			zap.Error(err))
		return Result{}, err
	}

	s.record(m.Kind, res.Outcome, elapsed)
	fields := []zap.Field{
		zap.String("kind", string(m.Kind)),
		zap.String("user_id", m.UserID),
		zap.String("request_id", m.RequestID),
		zap.Int64("qty", m.Qty),
		zap.Int64("balance", res.Balance),
		zap.Stringer("outcome", res.Outcome),
	}
	if res.Outcome == OutcomeReplayed {
		s.logger.Debug("ledger replay", fields...)
		return res, nil
	}
	s.logger.Info("ledger applied", fields...)
	s.emit(ctx, m, res)
	return res, nil
}

func (s *Service) record(kind Kind, outcome Outcome, elapsed time.Duration) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordLedgerOperation(string(kind), outcome.String(), elapsed)
}

func (s *Service) emit(ctx context.Context, m Mutation, res Result) {
	if s.hooks == nil {
		return
	}
	var eventType hooks.EventType
	switch m.Kind {
	case KindAI:
		eventType = hooks.EventCreditsDebited
	case KindRefund:
		eventType = hooks.EventCreditsRefunded
	case KindGrant:
		eventType = hooks.EventCreditsGranted
	case KindSessionGrant:
		eventType = hooks.EventEntitlementGranted
	case KindSessionUse:
		eventType = hooks.EventEntitlementConsumed
	default:
		return
	}
	evt := hooks.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: s.now().UTC(),
		UserID:     m.UserID,
		RequestID:  m.RequestID,
		Kind:       string(m.Kind),
		Qty:        m.Qty,
		Balance:    res.Balance,
	}
	if err := s.hooks.Emit(ctx, evt); err != nil {
		s.logger.Warn("hook delivery failed", zap.String("event", string(eventType)), zap.Error(err))
	}
}
