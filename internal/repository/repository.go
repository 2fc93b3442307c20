package repository

import (
	"context"
	"errors"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
)

var (
	// ErrNotFound is returned when a benefit, merchant or ledger entry does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict signals a transient storage conflict (serialization failure, lost
	// idempotency-key race). The whole attempt is safe to retry.
	ErrConflict = errors.New("repository: storage conflict")
	// ErrDuplicate is returned when creating a row whose identifier already exists.
	ErrDuplicate = errors.New("repository: duplicate")
)

type MerchantDirectory interface {
	GetMerchant(ctx context.Context, id string) (*models.Merchant, error)
	PutMerchant(ctx context.Context, m models.Merchant) error
}

type BenefitStore interface {
	CreateBenefit(ctx context.Context, b *models.Benefit) error
	GetBenefit(ctx context.Context, id string) (*models.Benefit, error)
	// ListBenefits returns every benefit when merchantID is empty.
	ListBenefits(ctx context.Context, merchantID string) ([]models.Benefit, error)
}

type LedgerStore interface {
	RecordByIdempotencyKey(ctx context.Context, key string) (*models.RedemptionRecord, error)
	ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.RedemptionRecord, error)
	// MemberUsage returns a zero counter when the member never redeemed the benefit.
	MemberUsage(ctx context.Context, benefitID, memberID string) (models.MemberUsageCounter, error)
	ListMemberUsage(ctx context.Context, benefitID string) ([]models.MemberUsageCounter, error)
}

// BenefitTx is an exclusive critical section over one benefit. Every read
// observes the state left by the previously committed transaction on that
// benefit and every write becomes visible atomically on commit.
type BenefitTx interface {
	// Benefit returns a copy of the locked benefit or ErrNotFound.
	Benefit(ctx context.Context) (*models.Benefit, error)
	// SaveBenefit persists the benefit and bumps its version.
	SaveBenefit(ctx context.Context, b *models.Benefit) error
	MemberUsage(ctx context.Context, memberID string) (int, error)
	MaxMemberUsage(ctx context.Context) (int, error)
	RecordByIdempotencyKey(ctx context.Context, key string) (*models.RedemptionRecord, error)
	// AppendRecord assigns rec.Seq and, for accepted records, increments the
	// (benefit, member) usage counter in the same transaction.
	AppendRecord(ctx context.Context, rec *models.RedemptionRecord) error
}

type Store interface {
	MerchantDirectory
	BenefitStore
	LedgerStore
	// RunBenefitTx runs fn inside a transaction holding the benefit's lock. A
	// non-nil error from fn rolls everything back. The benefit does not need to
	// exist; fn sees ErrNotFound from tx.Benefit in that case.
	RunBenefitTx(ctx context.Context, benefitID string, fn func(ctx context.Context, tx BenefitTx) error) error
	Close() error
}
