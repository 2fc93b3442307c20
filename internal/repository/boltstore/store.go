// Package boltstore provides a BoltDB-backed Store for single-node deployments.
//
// BoltDB allows one read-write transaction at a time, so every RunBenefitTx is
// trivially linearizable and a failed closure rolls back all of its writes.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
)

var (
	bucketMerchants   = []byte("merchants")
	bucketBenefits    = []byte("benefits")
	bucketRecords     = []byte("redemption_records")
	bucketIdempotency = []byte("idempotency_keys")
	bucketUsage       = []byte("benefit_usage")
)

type Store struct {
	db *bolt.DB
}

var _ repository.Store = (*Store)(nil)

// Open opens (or creates) a BoltDB database at the given path and ensures the
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMerchants, bucketBenefits, bucketRecords, bucketIdempotency, bucketUsage} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetMerchant(ctx context.Context, id string) (*models.Merchant, error) {
	var m models.Merchant
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketMerchants), []byte(id), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) PutMerchant(ctx context.Context, m models.Merchant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketMerchants), []byte(m.ID), m)
	})
}

func (s *Store) CreateBenefit(ctx context.Context, b *models.Benefit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBenefits)
		if bucket.Get([]byte(b.ID)) != nil {
			return fmt.Errorf("create benefit %s: %w", b.ID, repository.ErrDuplicate)
		}
		return putJSON(bucket, []byte(b.ID), b)
	})
}

func (s *Store) GetBenefit(ctx context.Context, id string) (*models.Benefit, error) {
	var b models.Benefit
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketBenefits), []byte(id), &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBenefits(ctx context.Context, merchantID string) ([]models.Benefit, error) {
	items := []models.Benefit{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBenefits).ForEach(func(k, v []byte) error {
			var b models.Benefit
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if merchantID == "" || b.MerchantID == merchantID {
				items = append(items, b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list benefits: %w", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *Store) RecordByIdempotencyKey(ctx context.Context, key string) (*models.RedemptionRecord, error) {
	var rec *models.RedemptionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = recordByKey(tx, key)
		return err
	})
	return rec, err
}

// ListRecords walks the records bucket from the cursor; keys are big-endian
// seqs, so bucket order is commit order.
func (s *Store) ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.RedemptionRecord, error) {
	items := []models.RedemptionRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Seek(seqKey(uint64(filter.AfterSeq) + 1)); k != nil; k, v = c.Next() {
			var rec models.RedemptionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !filter.Match(rec) {
				continue
			}
			items = append(items, rec)
			if filter.Limit > 0 && len(items) == filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return items, nil
}

func (s *Store) MemberUsage(ctx context.Context, benefitID, memberID string) (models.MemberUsageCounter, error) {
	counter := models.MemberUsageCounter{BenefitID: benefitID, MemberID: memberID}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsage), usageKey(benefitID, memberID), &counter)
	})
	if err != nil && err != repository.ErrNotFound {
		return counter, err
	}
	return counter, nil
}

func (s *Store) ListMemberUsage(ctx context.Context, benefitID string) ([]models.MemberUsageCounter, error) {
	items := []models.MemberUsageCounter{}
	prefix := usagePrefix(benefitID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsage).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var counter models.MemberUsageCounter
			if err := json.Unmarshal(v, &counter); err != nil {
				return err
			}
			items = append(items, counter)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return items, nil
}

// RunBenefitTx runs fn inside a single bolt read-write transaction.
func (s *Store) RunBenefitTx(ctx context.Context, benefitID string, fn func(ctx context.Context, tx repository.BenefitTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(ctx, &boltTx{tx: tx, benefitID: benefitID})
	})
}

type boltTx struct {
	tx        *bolt.Tx
	benefitID string
}

func (t *boltTx) Benefit(ctx context.Context) (*models.Benefit, error) {
	var b models.Benefit
	if err := getJSON(t.tx.Bucket(bucketBenefits), []byte(t.benefitID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *boltTx) SaveBenefit(ctx context.Context, b *models.Benefit) error {
	if b.ID != t.benefitID {
		return repository.ErrNotFound
	}
	current, err := t.Benefit(ctx)
	if err != nil {
		return err
	}
	b.Version = current.Version + 1
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	return putJSON(t.tx.Bucket(bucketBenefits), []byte(b.ID), b)
}

func (t *boltTx) MemberUsage(ctx context.Context, memberID string) (int, error) {
	var counter models.MemberUsageCounter
	err := getJSON(t.tx.Bucket(bucketUsage), usageKey(t.benefitID, memberID), &counter)
	if err == repository.ErrNotFound {
		return 0, nil
	}
	return counter.Count, err
}

func (t *boltTx) MaxMemberUsage(ctx context.Context) (int, error) {
	max := 0
	prefix := usagePrefix(t.benefitID)
	c := t.tx.Bucket(bucketUsage).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var counter models.MemberUsageCounter
		if err := json.Unmarshal(v, &counter); err != nil {
			return 0, err
		}
		if counter.Count > max {
			max = counter.Count
		}
	}
	return max, nil
}

func (t *boltTx) RecordByIdempotencyKey(ctx context.Context, key string) (*models.RedemptionRecord, error) {
	return recordByKey(t.tx, key)
}

func (t *boltTx) AppendRecord(ctx context.Context, rec *models.RedemptionRecord) error {
	records := t.tx.Bucket(bucketRecords)
	keys := t.tx.Bucket(bucketIdempotency)

	if rec.IdempotencyKey != "" && keys.Get([]byte(rec.IdempotencyKey)) != nil {
		return fmt.Errorf("idempotency key %q: %w", rec.IdempotencyKey, repository.ErrConflict)
	}

	seq, err := records.NextSequence()
	if err != nil {
		return err
	}
	rec.Seq = int64(seq)
	if err := putJSON(records, seqKey(seq), rec); err != nil {
		return err
	}
	if rec.IdempotencyKey != "" {
		if err := keys.Put([]byte(rec.IdempotencyKey), seqKey(seq)); err != nil {
			return err
		}
	}
	if !rec.Accepted() {
		return nil
	}

	usage := t.tx.Bucket(bucketUsage)
	key := usageKey(rec.BenefitID, rec.MemberID)
	counter := models.MemberUsageCounter{BenefitID: rec.BenefitID, MemberID: rec.MemberID}
	if err := getJSON(usage, key, &counter); err != nil && err != repository.ErrNotFound {
		return err
	}
	counter.Count++
	counter.LastUsedAt = rec.OccurredAt
	return putJSON(usage, key, counter)
}

func recordByKey(tx *bolt.Tx, key string) (*models.RedemptionRecord, error) {
	if key == "" {
		return nil, repository.ErrNotFound
	}
	seq := tx.Bucket(bucketIdempotency).Get([]byte(key))
	if seq == nil {
		return nil, repository.ErrNotFound
	}
	var rec models.RedemptionRecord
	if err := getJSON(tx.Bucket(bucketRecords), seq, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return repository.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// seqKey encodes big-endian so cursor order matches append order.
func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func usagePrefix(benefitID string) []byte {
	return append([]byte(benefitID), 0)
}

func usageKey(benefitID, memberID string) []byte {
	return append(usagePrefix(benefitID), memberID...)
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}


