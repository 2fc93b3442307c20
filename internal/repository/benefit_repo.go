package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const benefitColumns = `
	id, merchant_id, title, description, discount_kind, discount_value, state,
	valid_from, valid_until, per_member_limit, total_limit, used_total, version,
	created_at, updated_at`

type BenefitRepo struct {
	db *sql.DB
}

func NewBenefitRepo(db *sql.DB) *BenefitRepo {
	return &BenefitRepo{db: db}
}

func (r *BenefitRepo) Create(ctx context.Context, b *models.Benefit) error {
	query := `
		INSERT INTO benefits (` + benefitColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	_, err := r.db.ExecContext(ctx, query,
		b.ID,
		b.MerchantID,
		b.Title,
		b.Description,
		string(b.Discount.Kind),
		b.Discount.Value,
		string(b.State),
		b.ValidFrom.UTC(),
		b.ValidUntil.UTC(),
		nullInt(b.PerMemberLimit),
		nullInt(b.TotalLimit),
		b.UsedTotal,
		b.Version,
		b.CreatedAt.UTC(),
		b.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create benefit %s: %w", b.ID, ErrDuplicate)
		}
		return fmt.Errorf("create benefit: %w", err)
	}
	return nil
}

func (r *BenefitRepo) Get(ctx context.Context, id string) (*models.Benefit, error) {
	return getBenefit(ctx, r.db, id, false)
}

func (r *BenefitRepo) List(ctx context.Context, merchantID string) ([]models.Benefit, error) {
	query := `SELECT ` + benefitColumns + ` FROM benefits`
	args := []any{}
	if merchantID != "" {
		query += ` WHERE merchant_id = $1`
		args = append(args, merchantID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list benefits: %w", err)
	}
	defer rows.Close()

	benefits := []models.Benefit{}
	for rows.Next() {
		b, err := scanBenefit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan benefit: %w", err)
		}
		benefits = append(benefits, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate benefits: %w", err)
	}
	return benefits, nil
}

// getBenefit reads one benefit, taking the row lock when forUpdate is set.
func getBenefit(ctx context.Context, q queryer, id string, forUpdate bool) (*models.Benefit, error) {
	query := `SELECT ` + benefitColumns + ` FROM benefits WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBenefit(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get benefit %s: %w", id, err)
	}
	return b, nil
}

// saveBenefit writes every mutable column and bumps the version.
func saveBenefit(ctx context.Context, tx *sql.Tx, b *models.Benefit) error {
	query := `
		UPDATE benefits
		SET title = $2,
		    description = $3,
		    discount_kind = $4,
		    discount_value = $5,
		    state = $6,
		    valid_from = $7,
		    valid_until = $8,
		    per_member_limit = $9,
		    total_limit = $10,
		    used_total = $11,
		    version = version + 1,
		    updated_at = $12
		WHERE id = $1
		RETURNING version
	`
	err := tx.QueryRowContext(ctx, query,
		b.ID,
		b.Title,
		b.Description,
		string(b.Discount.Kind),
		b.Discount.Value,
		string(b.State),
		b.ValidFrom.UTC(),
		b.ValidUntil.UTC(),
		nullInt(b.PerMemberLimit),
		nullInt(b.TotalLimit),
		b.UsedTotal,
		b.UpdatedAt.UTC(),
	).Scan(&b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("save benefit %s: %w", b.ID, err)
	}
	return nil
}

func scanBenefit(row rowScanner) (*models.Benefit, error) {
	var (
		b        models.Benefit
		kind     string
		state    string
		perLimit sql.NullInt64
		total    sql.NullInt64
	)
	err := row.Scan(
		&b.ID,
		&b.MerchantID,
		&b.Title,
		&b.Description,
		&kind,
		&b.Discount.Value,
		&state,
		&b.ValidFrom,
		&b.ValidUntil,
		&perLimit,
		&total,
		&b.UsedTotal,
		&b.Version,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Discount.Kind = models.DiscountKind(kind)
	b.State = models.BenefitState(state)
	if perLimit.Valid {
		b.PerMemberLimit = models.IntPtr(int(perLimit.Int64))
	}
	if total.Valid {
		b.TotalLimit = models.IntPtr(int(total.Int64))
	}
	return &b, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
