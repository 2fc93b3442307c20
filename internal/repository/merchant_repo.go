package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
)

// MerchantRepo is the read side of the merchant profile data owned elsewhere.
type MerchantRepo struct {
	db *sql.DB
}

func NewMerchantRepo(db *sql.DB) *MerchantRepo {
	return &MerchantRepo{db: db}
}

func (r *MerchantRepo) Get(ctx context.Context, id string) (*models.Merchant, error) {
	var m models.Merchant
	query := `SELECT id, name, active FROM merchants WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Name, &m.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get merchant %s: %w", id, err)
	}
	return &m, nil
}

func (r *MerchantRepo) Put(ctx context.Context, m models.Merchant) error {
	query := `
		INSERT INTO merchants (id, name, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
	`
	if _, err := r.db.ExecContext(ctx, query, m.ID, m.Name, m.Active); err != nil {
		return fmt.Errorf("put merchant %s: %w", m.ID, err)
	}
	return nil
}
