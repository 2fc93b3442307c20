// Package repotest holds a conformance suite every repository.Store must pass.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
)

type Factory func(t *testing.T) repository.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by newStore. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore Factory) {
	t.Run("Merchants", func(t *testing.T) { testMerchants(t, newStore(t)) })
	t.Run("Benefits", func(t *testing.T) { testBenefits(t, newStore(t)) })
	t.Run("AcceptedAppendBumpsCounter", func(t *testing.T) { testAcceptedAppend(t, newStore(t)) })
	t.Run("RollbackLeavesNoTrace", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("IdempotencyKeyUnique", func(t *testing.T) { testIdempotencyKey(t, newStore(t)) })
	t.Run("FeedOrderAndCursor", func(t *testing.T) { testFeed(t, newStore(t)) })
	t.Run("MissingBenefitTx", func(t *testing.T) { testMissingBenefit(t, newStore(t)) })
	t.Run("ConcurrentTxAreSerialized", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func NewBenefit(id, merchantID string, totalLimit *int) *models.Benefit {
	return &models.Benefit{
		ID:         id,
		MerchantID: merchantID,
		Title:      "2x1 en cafés",
		Discount:   models.Percentage(decimal.NewFromInt(20)),
		State:      models.StateActive,
		ValidFrom:  base.Add(-24 * time.Hour),
		ValidUntil: base.Add(30 * 24 * time.Hour),
		TotalLimit: totalLimit,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
}

func record(id, benefitID, memberID string, outcome models.Outcome, at time.Time) *models.RedemptionRecord {
	return &models.RedemptionRecord{
		ID:             id,
		BenefitID:      benefitID,
		MemberID:       memberID,
		MerchantID:     "m-1",
		OccurredAt:     at,
		Outcome:        outcome,
		OriginalAmount: decimal.NewFromInt(100),
		FinalAmount:    decimal.NewFromInt(80),
	}
}

func testMerchants(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, err := s.GetMerchant(ctx, "nope")
	require.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, s.PutMerchant(ctx, models.Merchant{ID: "m-1", Name: "Café Central", Active: true}))
	m, err := s.GetMerchant(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "Café Central", m.Name)
	assert.True(t, m.Active)

	require.NoError(t, s.PutMerchant(ctx, models.Merchant{ID: "m-1", Name: "Café Central", Active: false}))
	m, err = s.GetMerchant(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, m.Active)
}

func testBenefits(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBenefit(ctx, NewBenefit("b-1", "m-1", models.IntPtr(3))))
	require.NoError(t, s.CreateBenefit(ctx, NewBenefit("b-2", "m-2", nil)))

	err := s.CreateBenefit(ctx, NewBenefit("b-1", "m-1", nil))
	require.ErrorIs(t, err, repository.ErrDuplicate)

	got, err := s.GetBenefit(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.MerchantID)
	require.NotNil(t, got.TotalLimit)
	assert.Equal(t, 3, *got.TotalLimit)
	assert.True(t, got.Discount.Value.Equal(decimal.NewFromInt(20)))
	assert.True(t, got.ValidUntil.Equal(base.Add(30*24*time.Hour)))

	_, err = s.GetBenefit(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)

	all, err := s.ListBenefits(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.ListBenefits(ctx, "m-2")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "b-2", mine[0].ID)
}

func testAcceptedAppend(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBenefit(ctx, NewBenefit("b-1", "m-1", models.IntPtr(5))))

	var seq int64
	err := s.RunBenefitTx(ctx, "b-1", func(ctx context.Context, tx repository.BenefitTx) error {
		b, err := tx.Benefit(ctx)
		if err != nil {
			return err
		}
		b.UsedTotal++
		if err := tx.SaveBenefit(ctx, b); err != nil {
			return err
		}
		rec := record("r-1", "b-1", "socio-1", models.OutcomeAccepted, base)
		rec.IdempotencyKey = "k-1"
		if err := tx.AppendRecord(ctx, rec); err != nil {
			return err
		}
		seq = rec.Seq
		return nil
	})
	require.NoError(t, err)
	assert.Positive(t, seq)

	b, err := s.GetBenefit(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.UsedTotal)
	assert.Greater(t, b.Version, int64(0))

	counter, err := s.MemberUsage(ctx, "b-1", "socio-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counter.Count)

	rec, err := s.RecordByIdempotencyKey(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", rec.ID)
	assert.Equal(t, seq, rec.Seq)
	assert.True(t, rec.FinalAmount.Equal(decimal.NewFromInt(80)))

	// rejected records are audited but never counted
	err = s.RunBenefitTx(ctx, "b-1", func(ctx context.Context, tx repository.BenefitTx) error {
		rec := record("r-2", "b-1", "socio-1", models.OutcomeRejected, base.Add(time.Minute))
		rec.Reason = models.ReasonMemberLimitReached
		return tx.AppendRecord(ctx, rec)
	})
	require.NoError(t, err)
	counter, err = s.MemberUsage(ctx, "b-1", "socio-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counter.Count)

	counters, err := s.ListMemberUsage(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, "socio-1", counters[0].MemberID)
}

func testRollback(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBenefit(ctx, NewBenefit("b-1", "m-1", models.IntPtr(5))))

	boom := errors.New("crash between steps")
	err := s.RunBenefitTx(ctx, "b-1", func(ctx context.Context, tx repository.BenefitTx) error {
		b, err := tx.Benefit(ctx)
		if err != nil {
			return err
		}
		b.UsedTotal++
		if err := tx.SaveBenefit(ctx, b); err != nil {
			return err
		}
		rec := record("r-1", "b-1", "socio-1", models.OutcomeAccepted, base)
		rec.IdempotencyKey = "k-rollback"
		if err := tx.AppendRecord(ctx, rec); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := s.GetBenefit(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.UsedTotal)

	counter, err := s.MemberUsage(ctx, "b-1", "socio-1")
	require.NoError(t, err)
	assert.Zero(t, counter.Count)

	_, err = s.RecordByIdempotencyKey(ctx, "k-rollback")
	require.ErrorIs(t, err, repository.ErrNotFound)

	records, err := s.ListRecords(ctx, models.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testIdempotencyKey(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBenefit(ctx, NewBenefit("b-1", "m-1", nil)))
	require.NoError(t, s.CreateBenefit(ctx, NewBenefit("b-2", "m-1", nil)))

	appendWithKey := func(benefitID, id string) error {
		return s.RunBenefitTx(ctx, benefitID, func(ctx context.Context, tx repository.BenefitTx) error {
			rec := record(id, benefitID, "socio-1", models.OutcomeRejected, base)
			rec.Reason = models.ReasonOutOfWindow
			rec.IdempotencyKey = "same-key"
			return tx.AppendRecord(ctx, rec)
		})
	}
	require.NoError(t, appendWithKey("b-1", "r-1"))
	err := appendWithKey("b-2", "r-2")
	require.ErrorIs(t, err, repository.ErrConflict)

	err = s.RunBenefitTx(ctx, "b-2", func(ctx context.Context, tx repository.BenefitTx) error {
		rec, err := tx.RecordByIdempotencyKey(ctx, "same-key")
		if err != nil {
			return err
		}
		assert.Equal(t, "r-1", rec.ID)
		return nil
	})
	require.NoError(t, err)
}

func testFeed(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBenefit(ctx, NewBenefit("b-1", "m-1", nil)))
	appendAt := func(id string, member string, at time.Time) {
		err := s.RunBenefitTx(ctx, "b-1", func(ctx context.Context, tx repository.BenefitTx) error {
			return tx.AppendRecord(ctx, record(id, "b-1", member, models.OutcomeAccepted, at))
		})
		require.NoError(t, err)
	}

	// committed out of occurredAt order on purpose
	offsets := []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute, time.Minute}
	for i, off := range offsets {
		appendAt(fmt.Sprintf("r-%d", i), fmt.Sprintf("socio-%d", i%2), base.Add(off))
	}

	all, err := s.ListRecords(ctx, models.RecordFilter{BenefitID: "b-1"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := range all {
		assert.Equal(t, fmt.Sprintf("r-%d", i), all[i].ID, "feed follows commit order")
		if i > 0 {
			assert.True(t, models.FeedLess(all[i-1], all[i]), "feed out of order at %d", i)
		}
	}

	first, err := s.ListRecords(ctx, models.RecordFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	cursor := first[1].Seq

	// commits after the consumer's cursor with an earlier occurredAt than anything seen
	appendAt("r-late", "socio-0", base)

	rest, err := s.ListRecords(ctx, models.RecordFilter{AfterSeq: cursor})
	require.NoError(t, err)
	ids := make([]string, 0, len(rest))
	for _, rec := range rest {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"r-2", "r-3", "r-late"}, ids)

	page, err := s.ListRecords(ctx, models.RecordFilter{AfterSeq: cursor, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "r-2", page[0].ID)

	since, err := s.ListRecords(ctx, models.RecordFilter{Since: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "r-0", since[0].ID)
	assert.Equal(t, "r-2", since[1].ID)

	mine, err := s.ListRecords(ctx, models.RecordFilter{MemberID: "socio-1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func testMissingBenefit(t *testing.T, s repository.Store) {
	ctx := context.Background()
	err := s.RunBenefitTx(ctx, "ghost", func(ctx context.Context, tx repository.BenefitTx) error {
		_, err := tx.Benefit(ctx)
		require.ErrorIs(t, err, repository.ErrNotFound)
		rec := record("r-ghost", "ghost", "socio-1", models.OutcomeRejected, base)
		rec.Reason = models.ReasonNotFound
		return tx.AppendRecord(ctx, rec)
	})
	require.NoError(t, err)

	records, err := s.ListRecords(ctx, models.RecordFilter{BenefitID: "ghost"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func testConcurrent(t *testing.T, s repository.Store) {
	ctx := context.Background()
	const limit, workers = 5, 20
	require.NoError(t, s.CreateBenefit(ctx, NewBenefit("b-1", "m-1", models.IntPtr(limit))))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok := false
			err := s.RunBenefitTx(ctx, "b-1", func(ctx context.Context, tx repository.BenefitTx) error {
				b, err := tx.Benefit(ctx)
				if err != nil {
					return err
				}
				if b.CapacityReached() {
					return nil
				}
				b.UsedTotal++
				if err := tx.SaveBenefit(ctx, b); err != nil {
					return err
				}
				ok = true
				return tx.AppendRecord(ctx, record(fmt.Sprintf("r-%d", i), "b-1", fmt.Sprintf("socio-%d", i), models.OutcomeAccepted, base))
			})
			if err == nil && ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, limit, accepted)
	b, err := s.GetBenefit(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, limit, b.UsedTotal)

	records, err := s.ListRecords(ctx, models.RecordFilter{BenefitID: "b-1"})
	require.NoError(t, err)
	assert.Len(t, records, limit)
}
