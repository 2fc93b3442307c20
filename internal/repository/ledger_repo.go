package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
)

const recordColumns = `
	seq, id, benefit_id, member_id, merchant_id, occurred_at, outcome, reason,
	rejected_state, idempotency_key, original_amount, discount_applied, final_amount`

const defaultFeedLimit = 500

// ledgerAppendLock is the advisory lock key serializing ledger appends.
const ledgerAppendLock int64 = 0x666964656c7961

type LedgerRepo struct {
	db *sql.DB
}

func NewLedgerRepo(db *sql.DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Append inserts the record and fills rec.Seq. A duplicate idempotency key means
// another attempt with the same key won the race; it surfaces as ErrConflict so
// the caller retries and then finds the winner's record.
//
// The transaction-scoped advisory lock is held until commit, so seq values
// become visible in the order they were drawn and a feed cursor never skips a
// record that commits late. It is taken as late as possible so the serialized
// section covers only the tail of the transaction.
func (r *LedgerRepo) Append(ctx context.Context, tx *sql.Tx, rec *models.RedemptionRecord) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerAppendLock); err != nil {
		return fmt.Errorf("lock ledger tail: %w", err)
	}
	query := `
		INSERT INTO redemption_records
		(id, benefit_id, member_id, merchant_id, occurred_at, outcome, reason,
		 rejected_state, idempotency_key, original_amount, discount_applied, final_amount)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING seq
	`
	key := sql.NullString{String: rec.IdempotencyKey, Valid: rec.IdempotencyKey != ""}
	err := tx.QueryRowContext(ctx, query,
		rec.ID,
		rec.BenefitID,
		rec.MemberID,
		rec.MerchantID,
		rec.OccurredAt.UTC(),
		string(rec.Outcome),
		string(rec.Reason),
		string(rec.RejectedState),
		key,
		rec.OriginalAmount,
		rec.DiscountApplied,
		rec.FinalAmount,
	).Scan(&rec.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append record: %w", ErrConflict)
		}
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (r *LedgerRepo) ByIdempotencyKey(ctx context.Context, q queryer, key string) (*models.RedemptionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM redemption_records WHERE idempotency_key = $1`
	rec, err := scanRecord(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record by key: %w", err)
	}
	return rec, nil
}

func (r *LedgerRepo) List(ctx context.Context, f models.RecordFilter) ([]models.RedemptionRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.BenefitID != "" {
		where = append(where, "benefit_id = "+arg(f.BenefitID))
	}
	if f.MemberID != "" {
		where = append(where, "member_id = "+arg(f.MemberID))
	}
	if f.MerchantID != "" {
		where = append(where, "merchant_id = "+arg(f.MerchantID))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > "+arg(f.AfterSeq))
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.Since.UTC()))
	}

	query := `SELECT ` + recordColumns + ` FROM redemption_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	query += ` ORDER BY seq LIMIT ` + arg(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []models.RedemptionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func scanRecord(row rowScanner) (*models.RedemptionRecord, error) {
	var (
		rec     models.RedemptionRecord
		outcome string
		reason  string
		state   string
		key     sql.NullString
	)
	err := row.Scan(
		&rec.Seq,
		&rec.ID,
		&rec.BenefitID,
		&rec.MemberID,
		&rec.MerchantID,
		&rec.OccurredAt,
		&outcome,
		&reason,
		&state,
		&key,
		&rec.OriginalAmount,
		&rec.DiscountApplied,
		&rec.FinalAmount,
	)
	if err != nil {
		return nil, err
	}
	rec.Outcome = models.Outcome(outcome)
	rec.Reason = models.RejectionReason(reason)
	rec.RejectedState = models.BenefitState(state)
	rec.IdempotencyKey = key.String
	return &rec, nil
}
