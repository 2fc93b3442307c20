package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/memory"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/repotest"
)

// redeem commits n accepted records for member, keeping UsedTotal in step unless skew is set.
func redeem(t *testing.T, s repository.Store, benefitID, member string, n int, skewTotal bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.RunBenefitTx(context.Background(), benefitID, func(ctx context.Context, tx repository.BenefitTx) error {
			b, err := tx.Benefit(ctx)
			if err != nil {
				return err
			}
			if !skewTotal {
				b.UsedTotal++
				if err := tx.SaveBenefit(ctx, b); err != nil {
					return err
				}
			}
			r := rec(0, benefitID)
			r.MemberID = member
			r.OccurredAt = r.OccurredAt.Add(time.Duration(i) * time.Second)
			return tx.AppendRecord(ctx, &r)
		})
		require.NoError(t, err)
	}
}

func TestReconcileConsistentLedger(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.CreateBenefit(ctx, repotest.NewBenefit("b-1", "m-1", nil)))
	require.NoError(t, s.CreateBenefit(ctx, repotest.NewBenefit("b-2", "m-1", nil)))
	redeem(t, s, "b-1", "socio-1", 3, false)
	redeem(t, s, "b-1", "socio-2", 1, false)
	redeem(t, s, "b-2", "socio-1", 2, false)

	rep, err := NewReconciler(s, nil).ReconcileAll(ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%+v", rep.Discrepancies)
	assert.Equal(t, 2, rep.BenefitsChecked)
	assert.Equal(t, 6, rep.RecordsScanned)
}

func TestReconcileReportsDrift(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.CreateBenefit(ctx, repotest.NewBenefit("b-1", "m-1", nil)))
	redeem(t, s, "b-1", "socio-1", 2, true)

	rep, err := NewReconciler(s, nil).ReconcileBenefit(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, rep.Discrepancies, 1)
	assert.Equal(t, Discrepancy{BenefitID: "b-1", Counter: 0, Ledger: 2}, rep.Discrepancies[0])
}

func TestReconcileMissingBenefit(t *testing.T) {
	rep, err := NewReconciler(memory.New(), nil).ReconcileBenefit(context.Background(), "nope")
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Zero(t, rep.BenefitsChecked)
}

// busyStore commits one more redemption each time a ledger scan starts, as
// live traffic would between the counter read and the scan.
type busyStore struct {
	repository.Store
	t       *testing.T
	commits int
}

func (s *busyStore) ListRecords(ctx context.Context, f models.RecordFilter) ([]models.RedemptionRecord, error) {
	if f.AfterSeq == 0 {
		redeem(s.t, s.Store, f.BenefitID, fmt.Sprintf("socio-live-%d", s.commits), 1, false)
		s.commits++
	}
	return s.Store.ListRecords(ctx, f)
}

func TestReconcileToleratesCommitsDuringScan(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateBenefit(ctx, repotest.NewBenefit("b-1", "m-1", nil)))
	redeem(t, s, "b-1", "socio-1", 3, false)

	busy := &busyStore{Store: s, t: t}
	rep, err := NewReconciler(busy, nil).ReconcileBenefit(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%+v", rep.Discrepancies)
	assert.Equal(t, 4, rep.RecordsScanned)
	assert.Equal(t, 1, busy.commits)
}

func TestReconcileDriftSurvivesTraffic(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateBenefit(ctx, repotest.NewBenefit("b-1", "m-1", nil)))
	redeem(t, s, "b-1", "socio-1", 2, true)

	rep, err := NewReconciler(&busyStore{Store: s, t: t}, nil).ReconcileBenefit(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, rep.Discrepancies, 1)
	assert.Equal(t, Discrepancy{BenefitID: "b-1", Counter: 1, Ledger: 3}, rep.Discrepancies[0])
}
