package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
)

type UsageRepo struct {
	db *sql.DB
}

func NewUsageRepo(db *sql.DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// GetUsage reads the member counter inside the benefit transaction. The lock on
// the benefit row already serializes writers, so no row lock is taken here.
func (r *UsageRepo) GetUsage(ctx context.Context, tx *sql.Tx, benefitID, memberID string) (int, error) {
	var usageCount int

	query := `
		SELECT usage_count
		FROM benefit_usage
		WHERE benefit_id = $1 AND member_id = $2
	`

	err := tx.QueryRowContext(ctx, query, benefitID, memberID).Scan(&usageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return usageCount, nil
}

func (r *UsageRepo) MaxUsage(ctx context.Context, tx *sql.Tx, benefitID string) (int, error) {
	var max int
	query := `SELECT COALESCE(MAX(usage_count), 0) FROM benefit_usage WHERE benefit_id = $1`
	if err := tx.QueryRowContext(ctx, query, benefitID).Scan(&max); err != nil {
		return 0, fmt.Errorf("max usage: %w", err)
	}
	return max, nil
}

// Increment usage inside the same transaction as the ledger append; creates the row on first use.
func (r *UsageRepo) IncrementUsage(ctx context.Context, tx *sql.Tx, benefitID, memberID string, at time.Time) error {
	query := `
		INSERT INTO benefit_usage (benefit_id, member_id, usage_count, last_used)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (benefit_id, member_id)
		DO UPDATE SET usage_count = benefit_usage.usage_count + 1,
		              last_used = EXCLUDED.last_used
	`

	_, err := tx.ExecContext(ctx, query, benefitID, memberID, at.UTC())
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

func (r *UsageRepo) Get(ctx context.Context, benefitID, memberID string) (models.MemberUsageCounter, error) {
	counter := models.MemberUsageCounter{BenefitID: benefitID, MemberID: memberID}
	query := `
		SELECT usage_count, last_used
		FROM benefit_usage
		WHERE benefit_id = $1 AND member_id = $2
	`
	err := r.db.QueryRowContext(ctx, query, benefitID, memberID).Scan(&counter.Count, &counter.LastUsedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return counter, fmt.Errorf("get usage: %w", err)
	}
	return counter, nil
}

func (r *UsageRepo) List(ctx context.Context, benefitID string) ([]models.MemberUsageCounter, error) {
	query := `
		SELECT benefit_id, member_id, usage_count, last_used
		FROM benefit_usage
		WHERE benefit_id = $1
		ORDER BY member_id
	`
	rows, err := r.db.QueryContext(ctx, query, benefitID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	counters := []models.MemberUsageCounter{}
	for rows.Next() {
		var c models.MemberUsageCounter
		if err := rows.Scan(&c.BenefitID, &c.MemberID, &c.Count, &c.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return counters, nil
}
