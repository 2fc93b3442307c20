package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/concurrency"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
)

const (
	pageSize         = 500
	reconcileWorkers = 4
)

// Discrepancy is one mismatch between a benefit's counters and its ledger.
type Discrepancy struct {
	BenefitID string `json:"benefit_id"`
	// MemberID is empty for a UsedTotal mismatch.
	MemberID string `json:"member_id,omitempty"`
	Counter  int    `json:"counter"`
	Ledger   int    `json:"ledger"`
}

type Report struct {
	BenefitsChecked int           `json:"benefits_checked"`
	RecordsScanned  int           `json:"records_scanned"`
	Discrepancies   []Discrepancy `json:"discrepancies"`
}

func (r Report) OK() bool {
	return len(r.Discrepancies) == 0
}

// Reconciler recounts accepted ledger entries and compares them with
// UsedTotal and the per-member counters. Reads are not taken under the
// benefit lock.
type Reconciler struct {
	store  repository.Store
	logger *zap.Logger
}

func NewReconciler(store repository.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger}
}

func (r *Reconciler) ReconcileBenefit(ctx context.Context, benefitID string) (Report, error) {
	return r.check(ctx, benefitID)
}

// ReconcileAll checks every benefit on the worker pool.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Report, error) {
	benefits, err := r.store.ListBenefits(ctx, "")
	if err != nil {
		return Report{}, fmt.Errorf("list benefits: %w", err)
	}
	reports := make([]Report, len(benefits))
	err = concurrency.ForEach(ctx, reconcileWorkers, len(benefits), func(ctx context.Context, i int) error {
		rep, err := r.ReconcileBenefit(ctx, benefits[i].ID)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", benefits[i].ID, err)
		}
		reports[i] = rep
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	var total Report
	for _, rep := range reports {
		total.BenefitsChecked += rep.BenefitsChecked
		total.RecordsScanned += rep.RecordsScanned
		total.Discrepancies = append(total.Discrepancies, rep.Discrepancies...)
	}
	if !total.OK() {
		r.logger.Warn("ledger reconciliation found discrepancies", zap.Int("count", len(total.Discrepancies)))
	}
	return total, nil
}

// check brackets the ledger scan between two counter reads. Every commit
// updates counters and appends its record atomically, so a consistent store
// always satisfies before <= ledger <= after, whatever traffic lands during
// the scan. A quiet benefit therefore gets an exact comparison.
func (r *Reconciler) check(ctx context.Context, benefitID string) (Report, error) {
	before, beforeUsage, err := r.counters(ctx, benefitID)
	if errors.Is(err, repository.ErrNotFound) {
		return Report{}, nil
	}
	if err != nil {
		return Report{}, err
	}

	perMember := make(map[string]int)
	accepted, scanned := 0, 0
	filter := models.RecordFilter{BenefitID: benefitID, Limit: pageSize}
	for {
		page, err := r.store.ListRecords(ctx, filter)
		if err != nil {
			return Report{}, fmt.Errorf("list records: %w", err)
		}
		for _, rec := range page {
			scanned++
			if rec.Accepted() {
				accepted++
				perMember[rec.MemberID]++
			}
		}
		if len(page) < pageSize {
			break
		}
		filter.AfterSeq = page[len(page)-1].Seq
	}

	after, afterUsage, err := r.counters(ctx, benefitID)
	if err != nil {
		return Report{}, err
	}

	rep := Report{BenefitsChecked: 1, RecordsScanned: scanned}
	if d, bad := bracket(benefitID, "", before.UsedTotal, after.UsedTotal, accepted); bad {
		rep.Discrepancies = append(rep.Discrepancies, d)
	}

	members := make(map[string]bool, len(afterUsage)+len(perMember))
	for m := range beforeUsage {
		members[m] = true
	}
	for m := range afterUsage {
		members[m] = true
	}
	for m := range perMember {
		members[m] = true
	}
	ids := make([]string, 0, len(members))
	for m := range members {
		ids = append(ids, m)
	}
	sort.Strings(ids)
	for _, m := range ids {
		if d, bad := bracket(benefitID, m, beforeUsage[m], afterUsage[m], perMember[m]); bad {
			rep.Discrepancies = append(rep.Discrepancies, d)
		}
	}
	return rep, nil
}

func (r *Reconciler) counters(ctx context.Context, benefitID string) (*models.Benefit, map[string]int, error) {
	b, err := r.store.GetBenefit(ctx, benefitID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get benefit: %w", err)
	}
	list, err := r.store.ListMemberUsage(ctx, benefitID)
	if err != nil {
		return nil, nil, fmt.Errorf("list usage: %w", err)
	}
	usage := make(map[string]int, len(list))
	for _, c := range list {
		usage[c.MemberID] = c.Count
	}
	return b, usage, nil
}

// bracket reports a discrepancy when the ledger count falls outside the
// counter readings taken before and after the scan.
func bracket(benefitID, memberID string, before, after, ledger int) (Discrepancy, bool) {
	d := Discrepancy{BenefitID: benefitID, MemberID: memberID, Ledger: ledger}
	switch {
	case ledger < before:
		d.Counter = before
		return d, true
	case ledger > after:
		d.Counter = after
		return d, true
	}
	return d, false
}
