// Package memory is an in-process Store used by tests and single-instance
// development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
)

type usageKey struct {
	benefitID string
	memberID  string
}

// benefitLock is a one-slot semaphore so waiters can give up when ctx ends.
// refs counts holders and waiters; the entry is dropped when it reaches zero.
type benefitLock struct {
	slot chan struct{}
	refs int
}

type Store struct {
	// locks holds one lock per benefit id in use; it plays the role of the row lock.
	locksMu sync.Mutex
	locks   map[string]*benefitLock

	mu        sync.RWMutex
	merchants map[string]models.Merchant
	benefits  map[string]models.Benefit
	records   []models.RedemptionRecord
	byKey     map[string]int
	usage     map[usageKey]models.MemberUsageCounter
	seq       int64
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		locks:     make(map[string]*benefitLock),
		merchants: make(map[string]models.Merchant),
		benefits:  make(map[string]models.Benefit),
		byKey:     make(map[string]int),
		usage:     make(map[usageKey]models.MemberUsageCounter),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetMerchant(ctx context.Context, id string) (*models.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.merchants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (s *Store) PutMerchant(ctx context.Context, m models.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchants[m.ID] = m
	return nil
}

func (s *Store) CreateBenefit(ctx context.Context, b *models.Benefit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.benefits[b.ID]; ok {
		return fmt.Errorf("create benefit %s: %w", b.ID, repository.ErrDuplicate)
	}
	s.benefits[b.ID] = b.Clone()
	return nil
}

func (s *Store) GetBenefit(ctx context.Context, id string) (*models.Benefit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.benefits[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := b.Clone()
	return &out, nil
}

func (s *Store) ListBenefits(ctx context.Context, merchantID string) ([]models.Benefit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Benefit{}
	for _, b := range s.benefits {
		if merchantID != "" && b.MerchantID != merchantID {
			continue
		}
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) RecordByIdempotencyKey(ctx context.Context, key string) (*models.RedemptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordByKeyLocked(key)
}

func (s *Store) recordByKeyLocked(key string) (*models.RedemptionRecord, error) {
	idx, ok := s.byKey[key]
	if !ok || key == "" {
		return nil, repository.ErrNotFound
	}
	rec := s.records[idx]
	return &rec, nil
}

func (s *Store) ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.RedemptionRecord, error) {
	s.mu.RLock()
	out := []models.RedemptionRecord{}
	for _, rec := range s.records {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return models.FeedLess(out[i], out[j]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) MemberUsage(ctx context.Context, benefitID, memberID string) (models.MemberUsageCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.usage[usageKey{benefitID, memberID}]
	if !ok {
		return models.MemberUsageCounter{BenefitID: benefitID, MemberID: memberID}, nil
	}
	return c, nil
}

func (s *Store) ListMemberUsage(ctx context.Context, benefitID string) ([]models.MemberUsageCounter, error) {
	s.mu.RLock()
	out := []models.MemberUsageCounter{}
	for k, c := range s.usage {
		if k.benefitID == benefitID {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

// acquire takes the benefit lock or returns ctx.Err() if ctx ends first.
func (s *Store) acquire(ctx context.Context, benefitID string) (release func(), err error) {
	s.locksMu.Lock()
	l, ok := s.locks[benefitID]
	if !ok {
		l = &benefitLock{slot: make(chan struct{}, 1)}
		s.locks[benefitID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	select {
	case l.slot <- struct{}{}:
		return func() {
			<-l.slot
			s.unref(benefitID, l)
		}, nil
	case <-ctx.Done():
		s.unref(benefitID, l)
		return nil, ctx.Err()
	}
}

func (s *Store) unref(benefitID string, l *benefitLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, benefitID)
	}
}

func (s *Store) lockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

// RunBenefitTx buffers writes and applies them in one step once fn succeeds.
// The per-benefit mutex gives the exclusive section; idempotency keys are
// global, so a key taken by a concurrent transaction on another benefit is
// reported as repository.ErrConflict.
func (s *Store) RunBenefitTx(ctx context.Context, benefitID string, fn func(ctx context.Context, tx repository.BenefitTx) error) error {
	release, err := s.acquire(ctx, benefitID)
	if err != nil {
		return err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, benefitID: benefitID, usage: make(map[string]int)}
	s.mu.RLock()
	if b, ok := s.benefits[benefitID]; ok {
		snapshot := b.Clone()
		tx.benefit = &snapshot
	}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range tx.appended {
		if rec.IdempotencyKey == "" {
			continue
		}
		if _, taken := s.byKey[rec.IdempotencyKey]; taken {
			return fmt.Errorf("idempotency key %q: %w", rec.IdempotencyKey, repository.ErrConflict)
		}
	}

	if tx.dirty && tx.benefit != nil {
		b := tx.benefit.Clone()
		s.benefits[b.ID] = b
	}
	for i := range tx.appended {
		rec := tx.appended[i]
		s.seq++
		rec.Seq = s.seq
		*tx.seqOut[i] = s.seq
		s.records = append(s.records, rec)
		if rec.IdempotencyKey != "" {
			s.byKey[rec.IdempotencyKey] = len(s.records) - 1
		}
		if rec.Accepted() {
			k := usageKey{rec.BenefitID, rec.MemberID}
			c := s.usage[k]
			c.BenefitID, c.MemberID = rec.BenefitID, rec.MemberID
			c.Count++
			c.LastUsedAt = rec.OccurredAt
			s.usage[k] = c
		}
	}
	return nil
}

type memTx struct {
	store     *Store
	benefitID string
	benefit   *models.Benefit
	dirty     bool
	appended  []models.RedemptionRecord
	seqOut    []*int64
	// usage holds pending increments from records appended in this transaction.
	usage map[string]int
}

func (t *memTx) Benefit(ctx context.Context) (*models.Benefit, error) {
	if t.benefit == nil {
		return nil, repository.ErrNotFound
	}
	b := t.benefit.Clone()
	return &b, nil
}

func (t *memTx) SaveBenefit(ctx context.Context, b *models.Benefit) error {
	if t.benefit == nil || b.ID != t.benefitID {
		return repository.ErrNotFound
	}
	b.Version = t.benefit.Version + 1
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	saved := b.Clone()
	t.benefit = &saved
	t.dirty = true
	return nil
}

func (t *memTx) MemberUsage(ctx context.Context, memberID string) (int, error) {
	t.store.mu.RLock()
	c := t.store.usage[usageKey{t.benefitID, memberID}]
	t.store.mu.RUnlock()
	return c.Count + t.usage[memberID], nil
}

func (t *memTx) MaxMemberUsage(ctx context.Context) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	max := 0
	for k, c := range t.store.usage {
		if k.benefitID != t.benefitID {
			continue
		}
		if n := c.Count + t.usage[k.memberID]; n > max {
			max = n
		}
	}
	for memberID, n := range t.usage {
		if _, ok := t.store.usage[usageKey{t.benefitID, memberID}]; !ok && n > max {
			max = n
		}
	}
	return max, nil
}

func (t *memTx) RecordByIdempotencyKey(ctx context.Context, key string) (*models.RedemptionRecord, error) {
	if key == "" {
		return nil, repository.ErrNotFound
	}
	for _, rec := range t.appended {
		if rec.IdempotencyKey == key {
			out := rec
			return &out, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.recordByKeyLocked(key)
}

func (t *memTx) AppendRecord(ctx context.Context, rec *models.RedemptionRecord) error {
	t.appended = append(t.appended, *rec)
	t.seqOut = append(t.seqOut, &rec.Seq)
	if rec.Accepted() {
		t.usage[rec.MemberID]++
	}
	return nil
}
