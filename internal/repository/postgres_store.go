package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
)

// PostgreSQL error codes the store maps onto its own errors.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
	pqQueryCanceled        = "57014"
)

// PostgresStore implements Store on top of the raw SQL repos in this package.
type PostgresStore struct {
	db        *sql.DB
	benefits  *BenefitRepo
	usage     *UsageRepo
	ledger    *LedgerRepo
	merchants *MerchantRepo
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:        db,
		benefits:  NewBenefitRepo(db),
		usage:     NewUsageRepo(db),
		ledger:    NewLedgerRepo(db),
		merchants: NewMerchantRepo(db),
	}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetMerchant(ctx context.Context, id string) (*models.Merchant, error) {
	return s.merchants.Get(ctx, id)
}

func (s *PostgresStore) PutMerchant(ctx context.Context, m models.Merchant) error {
	return s.merchants.Put(ctx, m)
}

func (s *PostgresStore) CreateBenefit(ctx context.Context, b *models.Benefit) error {
	return s.benefits.Create(ctx, b)
}

func (s *PostgresStore) GetBenefit(ctx context.Context, id string) (*models.Benefit, error) {
	return s.benefits.Get(ctx, id)
}

func (s *PostgresStore) ListBenefits(ctx context.Context, merchantID string) ([]models.Benefit, error) {
	return s.benefits.List(ctx, merchantID)
}

func (s *PostgresStore) RecordByIdempotencyKey(ctx context.Context, key string) (*models.RedemptionRecord, error) {
	return s.ledger.ByIdempotencyKey(ctx, s.db, key)
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.RedemptionRecord, error) {
	return s.ledger.List(ctx, filter)
}

func (s *PostgresStore) MemberUsage(ctx context.Context, benefitID, memberID string) (models.MemberUsageCounter, error) {
	return s.usage.Get(ctx, benefitID, memberID)
}

func (s *PostgresStore) ListMemberUsage(ctx context.Context, benefitID string) ([]models.MemberUsageCounter, error) {
	return s.usage.List(ctx, benefitID)
}

// RunBenefitTx locks the benefit row with SELECT ... FOR UPDATE before fn runs.
// Read committed is enough: the row lock serializes attempts on one benefit and
// a waiter re-reads the winner's committed row once the lock is released.
func (s *PostgresStore) RunBenefitTx(ctx context.Context, benefitID string, fn func(ctx context.Context, tx BenefitTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	// ensure rollback on any exit
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ptx := &pgTx{store: s, tx: tx, benefitID: benefitID}
	benefit, err := getBenefit(ctx, tx, benefitID, true)
	switch {
	case err == nil:
		ptx.benefit = benefit
	case errors.Is(err, ErrNotFound):
	default:
		return classify(err)
	}

	if err := fn(ctx, ptx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", classify(err))
	}
	committed = true
	return nil
}

type pgTx struct {
	store     *PostgresStore
	tx        *sql.Tx
	benefitID string
	benefit   *models.Benefit
}

func (t *pgTx) Benefit(ctx context.Context) (*models.Benefit, error) {
	if t.benefit == nil {
		return nil, ErrNotFound
	}
	b := t.benefit.Clone()
	return &b, nil
}

func (t *pgTx) SaveBenefit(ctx context.Context, b *models.Benefit) error {
	if t.benefit == nil || b.ID != t.benefitID {
		return ErrNotFound
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	if err := saveBenefit(ctx, t.tx, b); err != nil {
		return err
	}
	saved := b.Clone()
	t.benefit = &saved
	return nil
}

func (t *pgTx) MemberUsage(ctx context.Context, memberID string) (int, error) {
	return t.store.usage.GetUsage(ctx, t.tx, t.benefitID, memberID)
}

func (t *pgTx) MaxMemberUsage(ctx context.Context) (int, error) {
	return t.store.usage.MaxUsage(ctx, t.tx, t.benefitID)
}

func (t *pgTx) RecordByIdempotencyKey(ctx context.Context, key string) (*models.RedemptionRecord, error) {
	return t.store.ledger.ByIdempotencyKey(ctx, t.tx, key)
}

func (t *pgTx) AppendRecord(ctx context.Context, rec *models.RedemptionRecord) error {
	if err := t.store.ledger.Append(ctx, t.tx, rec); err != nil {
		return err
	}
	if rec.Accepted() {
		return t.store.usage.IncrementUsage(ctx, t.tx, rec.BenefitID, rec.MemberID, rec.OccurredAt)
	}
	return nil
}

// classify maps transient PostgreSQL failures onto ErrConflict and a
// cancelled statement onto context.Canceled, since lib/pq reports a cancel
// triggered by ctx as 57014 without wrapping the context error. Everything
// else is left untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		case pqQueryCanceled:
			return fmt.Errorf("%w: %s", context.Canceled, pqErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
