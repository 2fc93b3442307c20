package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/service"
)

func newBenefitInput() models.NewBenefit {
	return models.NewBenefit{
		MerchantID: merchantID,
		Title:      "20% en desayunos",
		Discount:   models.Percentage(decimal.NewFromInt(20)),
		ValidFrom:  base,
		ValidUntil: base.Add(30 * 24 * time.Hour),
		TotalLimit: models.IntPtr(5),
	}
}

func TestCreateBenefit(t *testing.T) {
	f := newFixture(t)

	b, err := f.catalog.CreateBenefit(context.Background(), newBenefitInput())
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, models.StateActive, b.State)
	assert.Zero(t, b.UsedTotal)

	got, err := f.catalog.GetBenefit(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Title, got.Title)

	list, err := f.catalog.ListBenefits(context.Background(), merchantID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateBenefitValidation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutMerchant(context.Background(), models.Merchant{ID: "m-closed", Name: "Cerrado"}))

	tests := []struct {
		name   string
		mutate func(in *models.NewBenefit)
		want   error
	}{
		{"unknown merchant", func(in *models.NewBenefit) { in.MerchantID = "m-nope" }, service.ErrMerchantNotFound},
		{"inactive merchant", func(in *models.NewBenefit) { in.MerchantID = "m-closed" }, service.ErrMerchantNotFound},
		{"missing title", func(in *models.NewBenefit) { in.Title = " " }, service.ErrInvalidRequest},
		{"window inverted", func(in *models.NewBenefit) { in.ValidUntil = in.ValidFrom }, service.ErrInvalidRequest},
		{"zero percentage", func(in *models.NewBenefit) { in.Discount = models.Percentage(decimal.Zero) }, service.ErrInvalidDiscount},
		{"percentage over 100", func(in *models.NewBenefit) { in.Discount = models.Percentage(decimal.NewFromInt(101)) }, service.ErrInvalidDiscount},
		{"non-positive limit", func(in *models.NewBenefit) { in.TotalLimit = models.IntPtr(0) }, service.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newBenefitInput()
			tt.mutate(&in)
			_, err := f.catalog.CreateBenefit(context.Background(), in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "b-1", nil)
	ctx := context.Background()

	b, err := f.catalog.SetBenefitActive(ctx, "b-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StateInactive, b.State)

	res := f.redeem(t, "b-1", "socio-1", "")
	require.Equal(t, service.StatusRejected, res.Status)
	assert.Equal(t, models.StateInactive, res.Rejection.State)

	b, err = f.catalog.SetBenefitActive(ctx, "b-1", true)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, b.State)

	again, err := f.catalog.SetBenefitActive(ctx, "b-1", true)
	require.NoError(t, err)
	assert.Equal(t, b.Version, again.Version, "no-op transitions do not write")
}

func TestTerminalStatesCannotBeResumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "b-exhausted", func(b *models.Benefit) {
		b.TotalLimit = models.IntPtr(1)
		b.UsedTotal = 1
		b.State = models.StateExhausted
	})
	f.seed(t, "b-expiring", func(b *models.Benefit) { b.State = models.StateInactive })

	_, err := f.catalog.SetBenefitActive(ctx, "b-exhausted", true)
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
	_, err = f.catalog.SetBenefitActive(ctx, "b-exhausted", false)
	assert.ErrorIs(t, err, service.ErrInvalidTransition)

	f.clock.Advance(31 * 24 * time.Hour)
	_, err = f.catalog.SetBenefitActive(ctx, "b-expiring", true)
	assert.ErrorIs(t, err, service.ErrInvalidTransition)

	_, err = f.catalog.SetBenefitActive(ctx, "missing", true)
	assert.ErrorIs(t, err, service.ErrBenefitNotFound)
}

func TestUpdateBenefitLimitsAfterUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "b-1", func(b *models.Benefit) { b.TotalLimit = models.IntPtr(5) })
	f.redeem(t, "b-1", "socio-1", "")
	f.redeem(t, "b-1", "socio-1", "")
	f.redeem(t, "b-1", "socio-2", "")

	_, err := f.catalog.UpdateBenefit(ctx, "b-1", models.BenefitPatch{TotalLimit: models.IntPtr(2)})
	assert.ErrorIs(t, err, service.ErrImmutableAfterUse)

	_, err = f.catalog.UpdateBenefit(ctx, "b-1", models.BenefitPatch{PerMemberLimit: models.IntPtr(1)})
	assert.ErrorIs(t, err, service.ErrImmutableAfterUse)

	b, err := f.catalog.UpdateBenefit(ctx, "b-1", models.BenefitPatch{PerMemberLimit: models.IntPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, *b.PerMemberLimit)
	assert.Equal(t, 3, b.UsedTotal)

	b, err = f.catalog.UpdateBenefit(ctx, "b-1", models.BenefitPatch{TotalLimit: models.IntPtr(3)})
	require.NoError(t, err)
	assert.Equal(t, models.StateExhausted, b.State)

	res := f.redeem(t, "b-1", "socio-3", "")
	require.Equal(t, service.StatusRejected, res.Status)
	assert.Equal(t, models.ReasonTotalLimitReached, res.Rejection.Reason)

	b, err = f.catalog.UpdateBenefit(ctx, "b-1", models.BenefitPatch{ClearTotalLimit: true})
	require.NoError(t, err)
	assert.Nil(t, b.TotalLimit)
	assert.Equal(t, models.StateExhausted, b.State, "exhaustion is irreversible")
}

func TestUpdateBenefitCannotReviveExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "b-1", nil)
	f.clock.Advance(31 * 24 * time.Hour)

	later := base.Add(90 * 24 * time.Hour)
	b, err := f.catalog.UpdateBenefit(ctx, "b-1", models.BenefitPatch{ValidUntil: &later})
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, b.State)
	assert.Equal(t, later, b.ValidUntil)

	got, err := f.catalog.GetBenefit(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)
}

func TestUpdateBenefitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "b-1", nil)

	before := base.Add(-48 * time.Hour)
	_, err := f.catalog.UpdateBenefit(ctx, "b-1", models.BenefitPatch{ValidUntil: &before})
	assert.ErrorIs(t, err, service.ErrInvalidRequest)

	_, err = f.catalog.UpdateBenefit(ctx, "missing", models.BenefitPatch{})
	assert.ErrorIs(t, err, service.ErrBenefitNotFound)

	title := "3x2 en medialunas"
	b, err := f.catalog.UpdateBenefit(ctx, "b-1", models.BenefitPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, b.Title)
	assert.Equal(t, title, f.stored(t, "b-1").Title)
}

func TestReadsEvaluateStateWithoutWriting(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "b-1", nil)
	f.clock.Advance(31 * 24 * time.Hour)

	got, err := f.catalog.GetBenefit(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)
	assert.Equal(t, models.StateActive, f.stored(t, "b-1").State)
}

func TestExpiryDueAndSweeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "b-short", func(b *models.Benefit) { b.ValidUntil = base.Add(time.Hour) })
	f.seed(t, "b-long", nil)
	f.clock.Advance(2 * time.Hour)

	sweeper := service.NewExpirySweeper(f.catalog, time.Minute, nil, nil)
	assert.Equal(t, 1, sweeper.Sweep(ctx))
	assert.Equal(t, models.StateExpired, f.stored(t, "b-short").State)
	assert.Equal(t, models.StateActive, f.stored(t, "b-long").State)

	n, err := f.catalog.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
