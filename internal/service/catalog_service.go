package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/clock"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/concurrency"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
)

const sweepWorkers = 4

// CatalogService owns benefit definitions and their lifecycle. Every write
// goes through the same per-benefit transaction the redemption engine uses,
// so edits and redemptions never interleave on one benefit.
type CatalogService struct {
	store  repository.Store
	clock  clock.Clock
	logger *zap.Logger
}

func NewCatalogService(store repository.Store, clk clock.Clock, logger *zap.Logger) *CatalogService {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{store: store, clock: clk, logger: logger}
}

func (s *CatalogService) CreateBenefit(ctx context.Context, in models.NewBenefit) (*models.Benefit, error) {
	if strings.TrimSpace(in.MerchantID) == "" || strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: merchant_id and title are required", ErrInvalidRequest)
	}
	m, err := s.store.GetMerchant(ctx, in.MerchantID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !m.Active) {
		return nil, fmt.Errorf("%w: %s", ErrMerchantNotFound, in.MerchantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load merchant: %w", err)
	}

	now := s.clock.Now()
	b := models.Benefit{
		ID:             uuid.NewString(),
		MerchantID:     in.MerchantID,
		Title:          in.Title,
		Description:    in.Description,
		Discount:       in.Discount,
		State:          models.StateActive,
		ValidFrom:      in.ValidFrom.UTC(),
		ValidUntil:     in.ValidUntil.UTC(),
		PerMemberLimit: in.PerMemberLimit,
		TotalLimit:     in.TotalLimit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := validateDefinition(b); err != nil {
		return nil, err
	}
	if err := s.store.CreateBenefit(ctx, &b); err != nil {
		return nil, fmt.Errorf("create benefit: %w", err)
	}
	s.logger.Info("benefit created",
		zap.String("benefit_id", b.ID),
		zap.String("merchant_id", b.MerchantID),
		zap.String("discount_kind", string(b.Discount.Kind)),
	)
	return &b, nil
}

// GetBenefit returns the benefit with its state evaluated at the current time.
func (s *CatalogService) GetBenefit(ctx context.Context, id string) (*models.Benefit, error) {
	b, err := s.store.GetBenefit(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBenefitNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get benefit: %w", err)
	}
	b.State = EvaluateState(*b, s.clock.Now())
	return b, nil
}

// ListBenefits lists a merchant's benefits, or all of them for an empty merchantID.
func (s *CatalogService) ListBenefits(ctx context.Context, merchantID string) ([]models.Benefit, error) {
	list, err := s.store.ListBenefits(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list benefits: %w", err)
	}
	now := s.clock.Now()
	for i := range list {
		list[i].State = EvaluateState(list[i], now)
	}
	return list, nil
}

func (s *CatalogService) UpdateBenefit(ctx context.Context, id string, patch models.BenefitPatch) (*models.Benefit, error) {
	var out models.Benefit
	err := s.store.RunBenefitTx(ctx, id, func(ctx context.Context, tx repository.BenefitTx) error {
		b, err := s.lockedBenefit(ctx, tx, id)
		if err != nil {
			return err
		}
		next := b.Clone()
		applyPatch(&next, patch)
		next.ValidFrom, next.ValidUntil = next.ValidFrom.UTC(), next.ValidUntil.UTC()
		if err := validateDefinition(next); err != nil {
			return err
		}

		if next.TotalLimit != nil && *next.TotalLimit < b.UsedTotal {
			return fmt.Errorf("%w: total limit %d below %d redemptions", ErrImmutableAfterUse, *next.TotalLimit, b.UsedTotal)
		}
		if next.PerMemberLimit != nil && b.UsedTotal > 0 {
			maxUsed, err := tx.MaxMemberUsage(ctx)
			if err != nil {
				return err
			}
			if *next.PerMemberLimit < maxUsed {
				return fmt.Errorf("%w: per-member limit %d below %d redemptions by one member", ErrImmutableAfterUse, *next.PerMemberLimit, maxUsed)
			}
		}
		if next.CapacityReached() && canTransition(next.State, models.StateExhausted) {
			next.State = models.StateExhausted
		}

		next.UpdatedAt = s.clock.Now()
		if err := tx.SaveBenefit(ctx, &next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, s.txError("update benefit", id, err)
	}
	s.logger.Info("benefit updated", zap.String("benefit_id", id), zap.String("state", string(out.State)))
	return &out, nil
}

// SetBenefitActive pauses or resumes a benefit. Setting the state it already
// has is a no-op.
func (s *CatalogService) SetBenefitActive(ctx context.Context, id string, active bool) (*models.Benefit, error) {
	target := models.StateInactive
	if active {
		target = models.StateActive
	}

	var out models.Benefit
	err := s.store.RunBenefitTx(ctx, id, func(ctx context.Context, tx repository.BenefitTx) error {
		b, err := s.lockedBenefit(ctx, tx, id)
		if err != nil {
			return err
		}
		if b.State == target {
			out = *b
			return nil
		}
		if b.State.Terminal() || !canTransition(b.State, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.State, target)
		}
		b.State = target
		b.UpdatedAt = s.clock.Now()
		if err := tx.SaveBenefit(ctx, b); err != nil {
			return err
		}
		out = *b
		return nil
	})
	if err != nil {
		return nil, s.txError("set benefit state", id, err)
	}
	s.logger.Info("benefit state changed", zap.String("benefit_id", id), zap.String("state", string(out.State)))
	return &out, nil
}

// ExpireDue persists the expired state for every benefit past its window.
// Reads already evaluate expiry, so this only keeps stored state honest for
// consumers that read it raw.
func (s *CatalogService) ExpireDue(ctx context.Context) (int, error) {
	list, err := s.store.ListBenefits(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list benefits: %w", err)
	}
	now := s.clock.Now()
	var due []string
	for _, b := range list {
		if !b.State.Terminal() && EvaluateState(b, now) == models.StateExpired {
			due = append(due, b.ID)
		}
	}

	expired := make([]bool, len(due))
	err = concurrency.ForEach(ctx, sweepWorkers, len(due), func(ctx context.Context, i int) error {
		return s.store.RunBenefitTx(ctx, due[i], func(ctx context.Context, tx repository.BenefitTx) error {
			b, err := tx.Benefit(ctx)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if b.State.Terminal() || EvaluateState(*b, s.clock.Now()) != models.StateExpired {
				return nil
			}
			b.State = models.StateExpired
			b.UpdatedAt = s.clock.Now()
			expired[i] = true
			return tx.SaveBenefit(ctx, b)
		})
	})

	n := 0
	for _, ok := range expired {
		if ok {
			n++
		}
	}
	if err != nil {
		return n, fmt.Errorf("expire benefits: %w", err)
	}
	return n, nil
}

// lockedBenefit loads the benefit inside tx and persists an expiry the clock
// has already decided, so later date edits cannot revive it.
func (s *CatalogService) lockedBenefit(ctx context.Context, tx repository.BenefitTx, id string) (*models.Benefit, error) {
	b, err := tx.Benefit(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBenefitNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if st := EvaluateState(*b, s.clock.Now()); st != b.State && st == models.StateExpired {
		b.State = models.StateExpired
		b.UpdatedAt = s.clock.Now()
		if err := tx.SaveBenefit(ctx, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (s *CatalogService) txError(op, id string, err error) error {
	switch {
	case errors.Is(err, ErrBenefitNotFound), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrImmutableAfterUse), errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidDiscount):
		return err
	}
	s.logger.Error(op+" failed", zap.String("benefit_id", id), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

func applyPatch(b *models.Benefit, p models.BenefitPatch) {
	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.Description != nil {
		b.Description = *p.Description
	}
	if p.Discount != nil {
		b.Discount = *p.Discount
	}
	if p.ValidFrom != nil {
		b.ValidFrom = *p.ValidFrom
	}
	if p.ValidUntil != nil {
		b.ValidUntil = *p.ValidUntil
	}
	switch {
	case p.ClearPerMemberLimit:
		b.PerMemberLimit = nil
	case p.PerMemberLimit != nil:
		b.PerMemberLimit = models.IntPtr(*p.PerMemberLimit)
	}
	switch {
	case p.ClearTotalLimit:
		b.TotalLimit = nil
	case p.TotalLimit != nil:
		b.TotalLimit = models.IntPtr(*p.TotalLimit)
	}
}

func validateDefinition(b models.Benefit) error {
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if err := ValidateDiscount(b.Discount); err != nil {
		return err
	}
	if b.ValidFrom.IsZero() || b.ValidUntil.IsZero() || !b.ValidUntil.After(b.ValidFrom) {
		return fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalidRequest)
	}
	if b.PerMemberLimit != nil && *b.PerMemberLimit <= 0 {
		return fmt.Errorf("%w: per_member_limit must be positive", ErrInvalidRequest)
	}
	if b.TotalLimit != nil && *b.TotalLimit <= 0 {
		return fmt.Errorf("%w: total_limit must be positive", ErrInvalidRequest)
	}
	return nil
}
