package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/clock"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/memory"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/repotest"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/service"
)

const merchantID = "m-cafe-central"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	clock   *clock.Manual
	engine  *service.RedemptionService
	catalog *service.CatalogService
}

func newFixture(t *testing.T, opts ...service.EngineOption) *fixture {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(base)
	require.NoError(t, store.PutMerchant(context.Background(), models.Merchant{ID: merchantID, Name: "Café Central", Active: true}))

	opts = append([]service.EngineOption{service.WithClock(clk)}, opts...)
	engine, err := service.NewRedemptionService(store, service.EngineConfig{RetryBackoff: time.Millisecond}, opts...)
	require.NoError(t, err)
	return &fixture{
		store:   store,
		clock:   clk,
		engine:  engine,
		catalog: service.NewCatalogService(store, clk, nil),
	}
}

func (f *fixture) seed(t *testing.T, id string, mutate func(b *models.Benefit)) *models.Benefit {
	t.Helper()
	b := repotest.NewBenefit(id, merchantID, nil)
	if mutate != nil {
		mutate(b)
	}
	require.NoError(t, f.store.CreateBenefit(context.Background(), b))
	return b
}

func (f *fixture) redeem(t *testing.T, benefitID, memberID, key string) service.Result {
	t.Helper()
	res, err := f.engine.AttemptRedemption(context.Background(), service.AttemptRequest{
		MemberID:       memberID,
		BenefitID:      benefitID,
		MerchantID:     merchantID,
		OriginalAmount: decimal.RequireFromString("100.00"),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) stored(t *testing.T, id string) *models.Benefit {
	t.Helper()
	b, err := f.store.GetBenefit(context.Background(), id)
	require.NoError(t, err)
	return b
}

// flakyStore fails the first n transactions with err.
type flakyStore struct {
	repository.Store
	mu    sync.Mutex
	n     int
	err   error
	calls int
}

func (s *flakyStore) RunBenefitTx(ctx context.Context, benefitID string, fn func(ctx context.Context, tx repository.BenefitTx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.n < 0 || s.calls <= s.n
	s.mu.Unlock()
	if fail {
		return s.err
	}
	return s.Store.RunBenefitTx(ctx, benefitID, fn)
}

// cancelledStatementStore blocks until ctx ends and then fails the way a
// driver does when the server cancels a running statement.
type cancelledStatementStore struct {
	repository.Store
}

func (s *cancelledStatementStore) RunBenefitTx(ctx context.Context, benefitID string, fn func(ctx context.Context, tx repository.BenefitTx) error) error {
	<-ctx.Done()
	return errors.New("pq: canceling statement due to user request")
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []models.RedemptionRecord
}

func (p *recordingPublisher) Publish(rec models.RedemptionRecord) {
	p.mu.Lock()
	p.records = append(p.records, rec)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []models.RedemptionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.RedemptionRecord(nil), p.records...)
}
