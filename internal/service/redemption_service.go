package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/clock"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/metrics"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
)

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	// StatusTimeout means the outcome is unknown. Retrying with the same
	// idempotency key returns whatever was committed, if anything.
	StatusTimeout Status = "timeout"
)

type AttemptRequest struct {
	MemberID       string
	BenefitID      string
	MerchantID     string
	Now            time.Time
	OriginalAmount decimal.Decimal
	IdempotencyKey string
}

type Receipt struct {
	RecordID        string          `json:"record_id"`
	Seq             int64           `json:"seq"`
	BenefitID       string          `json:"benefit_id"`
	MemberID        string          `json:"member_id"`
	MerchantID      string          `json:"merchant_id"`
	OccurredAt      time.Time       `json:"occurred_at"`
	OriginalAmount  decimal.Decimal `json:"original_amount"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	FinalAmount     decimal.Decimal `json:"final_amount"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// Rejection explains a refused attempt. State is set for not_eligible only.
type Rejection struct {
	RecordID string                 `json:"record_id"`
	Reason   models.RejectionReason `json:"reason"`
	State    models.BenefitState    `json:"state,omitempty"`
	Message  string                 `json:"message"`
}

type Result struct {
	Status    Status
	Receipt   *Receipt
	Rejection *Rejection
	// Replayed is true when the outcome came from an earlier attempt with the same idempotency key.
	Replayed bool
}

// Publisher receives every freshly committed ledger record.
type Publisher interface {
	Publish(rec models.RedemptionRecord)
}

// DefaultMaxClockSkew bounds how far a caller-supplied attempt time may drift
// from the engine clock.
const DefaultMaxClockSkew = 2 * time.Minute

type EngineConfig struct {
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxClockSkew   time.Duration
	AttemptTimeout time.Duration
	NodeID         int64
}

func (c *EngineConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Millisecond
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = DefaultMaxClockSkew
	}
}

// RedemptionService validates and commits redemption attempts. All checks and
// writes for one attempt run in a single per-benefit transaction.
type RedemptionService struct {
	store     repository.Store
	clock     clock.Clock
	ids       *snowflake.Node
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       EngineConfig
}

type EngineOption func(*RedemptionService)

func WithClock(c clock.Clock) EngineOption {
	return func(s *RedemptionService) { s.clock = c }
}

func WithPublisher(p Publisher) EngineOption {
	return func(s *RedemptionService) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(s *RedemptionService) { s.metrics = m }
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(s *RedemptionService) { s.logger = l }
}

func NewRedemptionService(store repository.Store, cfg EngineConfig, opts ...EngineOption) (*RedemptionService, error) {
	cfg.applyDefaults()
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	s := &RedemptionService{
		store:  store,
		clock:  clock.SystemClock{},
		ids:    node,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/axeelhrz/FidelyaEnd-sub000/internal/service"),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AttemptRedemption returns an accepted, rejected or timeout Result. A non-nil
// error is an infrastructure failure, never a business rejection.
func (s *RedemptionService) AttemptRedemption(ctx context.Context, req AttemptRequest) (Result, error) {
	if err := validateAttempt(req); err != nil {
		return Result{}, err
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "redemption.attempt", trace.WithAttributes(
		attribute.String("benefit.id", req.BenefitID),
		attribute.String("merchant.id", req.MerchantID),
	))
	defer span.End()

	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}
	now, server := s.effectiveNow(req)

	var (
		res   Result
		fresh *models.RedemptionRecord
		err   error
	)
	for attempt := 0; ; attempt++ {
		res, fresh, err = s.attemptOnce(ctx, req, now, server)
		if err == nil || !errors.Is(err, repository.ErrConflict) {
			break
		}
		s.metrics.ObserveConflict()
		if attempt >= s.cfg.MaxRetries {
			s.logger.Warn("redemption retries exhausted",
				zap.String("benefit_id", req.BenefitID), zap.Int("attempts", attempt+1))
			res, err = Result{Status: StatusTimeout}, nil
			break
		}
		if !s.backoff(ctx, attempt) {
			res, err = Result{Status: StatusTimeout}, nil
			break
		}
	}
	// Drivers do not always wrap the context error when a statement is
	// cancelled, so a failure after ctx ended counts as a timeout too.
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		s.logger.Warn("redemption attempt ended with its context",
			zap.String("benefit_id", req.BenefitID), zap.Error(err))
		res, err = Result{Status: StatusTimeout}, nil
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("redemption attempt failed",
			zap.String("benefit_id", req.BenefitID),
			zap.String("member_id", req.MemberID),
			zap.Error(err),
		)
		return Result{}, fmt.Errorf("attempt redemption: %w", err)
	}

	if fresh != nil && s.publisher != nil {
		s.publisher.Publish(*fresh)
	}
	reason := ""
	if res.Rejection != nil {
		reason = string(res.Rejection.Reason)
	}
	span.SetAttributes(attribute.String("redemption.status", string(res.Status)), attribute.Bool("redemption.replayed", res.Replayed))
	s.metrics.ObserveAttempt(string(res.Status), reason, time.Since(start))
	s.logger.Info("redemption attempt",
		zap.String("benefit_id", req.BenefitID),
		zap.String("member_id", req.MemberID),
		zap.String("status", string(res.Status)),
		zap.String("reason", reason),
		zap.Bool("replayed", res.Replayed),
	)
	return res, nil
}

// attemptOnce runs one transaction. fresh is the record appended by this
// transaction, nil for an idempotent replay.
func (s *RedemptionService) attemptOnce(ctx context.Context, req AttemptRequest, now, server time.Time) (Result, *models.RedemptionRecord, error) {
	var (
		res   Result
		fresh *models.RedemptionRecord
	)
	err := s.store.RunBenefitTx(ctx, req.BenefitID, func(ctx context.Context, tx repository.BenefitTx) error {
		res, fresh = Result{}, nil
		if req.IdempotencyKey != "" {
			prior, err := tx.RecordByIdempotencyKey(ctx, req.IdempotencyKey)
			if err == nil {
				res = ResultFromRecord(*prior)
				res.Replayed = true
				if prior.BenefitID != req.BenefitID || prior.MemberID != req.MemberID {
					s.logger.Warn("idempotency key reused with different parameters",
						zap.String("idempotency_key", req.IdempotencyKey),
						zap.String("benefit_id", req.BenefitID),
						zap.String("recorded_benefit_id", prior.BenefitID),
					)
				}
				return nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}

		rec := &models.RedemptionRecord{
			ID:             s.ids.Generate().String(),
			BenefitID:      req.BenefitID,
			MemberID:       req.MemberID,
			MerchantID:     req.MerchantID,
			OccurredAt:     now,
			IdempotencyKey: req.IdempotencyKey,
			OriginalAmount: req.OriginalAmount,
		}

		b, err := tx.Benefit(ctx)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			b = nil
		case err != nil:
			return err
		}

		reason, state, err := s.evaluate(ctx, tx, b, req, now, later(now, server))
		if err != nil {
			return err
		}
		if reason != "" {
			rec.Outcome = models.OutcomeRejected
			rec.Reason = reason
			rec.RejectedState = state
			rec.DiscountApplied = decimal.Zero
			rec.FinalAmount = req.OriginalAmount
		} else {
			b.UsedTotal++
			if b.CapacityReached() {
				b.State = models.StateExhausted
			}
			b.UpdatedAt = now
			if err := tx.SaveBenefit(ctx, b); err != nil {
				return err
			}
			rec.Outcome = models.OutcomeAccepted
			rec.DiscountApplied, rec.FinalAmount = ApplyDiscount(b.Discount, req.OriginalAmount)
		}
		if err := tx.AppendRecord(ctx, rec); err != nil {
			return err
		}
		fresh = rec
		return nil
	})
	if err != nil {
		return Result{}, nil, err
	}
	// Some stores assign Seq only at commit.
	if fresh != nil {
		res = ResultFromRecord(*fresh)
	}
	return res, fresh, nil
}

// evaluate applies the ordered eligibility checks. It may persist a state
// change the checks discover (expired, exhausted) on b through tx. Expiry is
// judged at expiryAt, never earlier than the engine clock, so a backdated
// request cannot reach a benefit that has already ended.
func (s *RedemptionService) evaluate(ctx context.Context, tx repository.BenefitTx, b *models.Benefit, req AttemptRequest, now, expiryAt time.Time) (models.RejectionReason, models.BenefitState, error) {
	if b == nil || b.MerchantID != req.MerchantID {
		return models.ReasonNotFound, "", nil
	}

	state := EvaluateState(*b, expiryAt)
	if state == models.StateExpired && b.State != models.StateExpired {
		b.State = models.StateExpired
		b.UpdatedAt = now
		if err := tx.SaveBenefit(ctx, b); err != nil {
			return "", "", err
		}
	}
	if state == models.StateInactive || state == models.StateExpired {
		return models.ReasonNotEligible, state, nil
	}
	// Exhausted is terminal and stays stored, but past its end date the
	// benefit is reported as expired.
	if state == models.StateExhausted && expiryAt.After(b.ValidUntil) {
		return models.ReasonNotEligible, models.StateExpired, nil
	}

	if !InWindow(*b, now) || !InWindow(*b, expiryAt) {
		return models.ReasonOutOfWindow, "", nil
	}

	if b.PerMemberLimit != nil {
		used, err := tx.MemberUsage(ctx, req.MemberID)
		if err != nil {
			return "", "", err
		}
		if used >= *b.PerMemberLimit {
			return models.ReasonMemberLimitReached, "", nil
		}
	}

	if state == models.StateExhausted || b.CapacityReached() {
		if b.State != models.StateExhausted && canTransition(b.State, models.StateExhausted) {
			b.State = models.StateExhausted
			b.UpdatedAt = now
			if err := tx.SaveBenefit(ctx, b); err != nil {
				return "", "", err
			}
		}
		return models.ReasonTotalLimitReached, "", nil
	}
	return "", "", nil
}

// effectiveNow returns the attempt time and the engine clock reading. The
// caller-supplied time is replaced by the engine clock when it is missing or
// drifts beyond MaxClockSkew.
func (s *RedemptionService) effectiveNow(req AttemptRequest) (now, server time.Time) {
	server = s.clock.Now().UTC()
	if req.Now.IsZero() {
		return server, server
	}
	now = req.Now.UTC()
	skew := now.Sub(server)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.MaxClockSkew {
		s.logger.Warn("client clock skew beyond limit, using server time",
			zap.String("benefit_id", req.BenefitID),
			zap.Duration("skew", skew),
		)
		return server, server
	}
	return now, server
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// backoff sleeps with jitter; false means ctx ended first.
func (s *RedemptionService) backoff(ctx context.Context, attempt int) bool {
	base := s.cfg.RetryBackoff << min(attempt, 6)
	d := base/2 + time.Duration(rand.Int63n(int64(base/2+1)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func validateAttempt(req AttemptRequest) error {
	if strings.TrimSpace(req.MemberID) == "" || strings.TrimSpace(req.BenefitID) == "" || strings.TrimSpace(req.MerchantID) == "" {
		return fmt.Errorf("%w: member_id, benefit_id and merchant_id are required", ErrInvalidRequest)
	}
	if req.OriginalAmount.IsNegative() {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, ErrInvalidAmount)
	}
	return nil
}

// ResultFromRecord rebuilds the engine outcome stored in a ledger record.
func ResultFromRecord(rec models.RedemptionRecord) Result {
	if rec.Accepted() {
		return Result{
			Status: StatusAccepted,
			Receipt: &Receipt{
				RecordID:        rec.ID,
				Seq:             rec.Seq,
				BenefitID:       rec.BenefitID,
				MemberID:        rec.MemberID,
				MerchantID:      rec.MerchantID,
				OccurredAt:      rec.OccurredAt,
				OriginalAmount:  rec.OriginalAmount,
				DiscountApplied: rec.DiscountApplied,
				FinalAmount:     rec.FinalAmount,
				IdempotencyKey:  rec.IdempotencyKey,
			},
		}
	}
	return Result{
		Status: StatusRejected,
		Rejection: &Rejection{
			RecordID: rec.ID,
			Reason:   rec.Reason,
			State:    rec.RejectedState,
			Message:  RejectionMessage(rec.Reason, rec.RejectedState),
		},
	}
}

// RejectionMessage is the text shown to the merchant at the counter.
func RejectionMessage(reason models.RejectionReason, state models.BenefitState) string {
	switch reason {
	case models.ReasonNotFound:
		return "El beneficio no existe o no pertenece a este comercio."
	case models.ReasonNotEligible:
		switch state {
		case models.StateExpired:
			return "El beneficio está vencido."
		case models.StateInactive:
			return "El beneficio está pausado por el comercio."
		}
		return "El beneficio no está disponible."
	case models.ReasonOutOfWindow:
		return "El beneficio no está vigente en este momento."
	case models.ReasonMemberLimitReached:
		return "El socio ya alcanzó el límite de usos de este beneficio."
	case models.ReasonTotalLimitReached:
		return "El beneficio está agotado."
	}
	return "El canje fue rechazado."
}
