package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

type RejectionReason string

const (
	ReasonNotFound           RejectionReason = "not_found"
	ReasonNotEligible        RejectionReason = "not_eligible"
	ReasonOutOfWindow        RejectionReason = "out_of_window"
	ReasonMemberLimitReached RejectionReason = "member_limit_reached"
	ReasonTotalLimitReached  RejectionReason = "total_limit_reached"
)

// RedemptionRecord is a ledger entry. It is written once and never updated.
type RedemptionRecord struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	BenefitID      string          `json:"benefit_id"`
	MemberID       string          `json:"member_id"`
	MerchantID     string          `json:"merchant_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Outcome        Outcome         `json:"outcome"`
	Reason         RejectionReason `json:"reason,omitempty"`
	RejectedState  BenefitState    `json:"rejected_state,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	// Only meaningful when Outcome is OutcomeAccepted.
	OriginalAmount  decimal.Decimal `json:"original_amount"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	FinalAmount     decimal.Decimal `json:"final_amount"`
}

func (r RedemptionRecord) Accepted() bool {
	return r.Outcome == OutcomeAccepted
}

// RecordFilter selects ledger entries for the feed, which is served in commit
// order (Seq). AfterSeq is the resume cursor and is strict; Since is an
// optional inclusive lower bound on OccurredAt. Zero values match everything.
type RecordFilter struct {
	BenefitID  string
	MemberID   string
	MerchantID string
	Since      time.Time
	AfterSeq   int64
	Limit      int
}

func (f RecordFilter) Match(r RedemptionRecord) bool {
	if f.BenefitID != "" && r.BenefitID != f.BenefitID {
		return false
	}
	if f.MemberID != "" && r.MemberID != f.MemberID {
		return false
	}
	if f.MerchantID != "" && r.MerchantID != f.MerchantID {
		return false
	}
	if f.AfterSeq > 0 && r.Seq <= f.AfterSeq {
		return false
	}
	return f.Since.IsZero() || !r.OccurredAt.Before(f.Since)
}

// FeedLess orders records the way the feed serves them.
func FeedLess(a, b RedemptionRecord) bool {
	return a.Seq < b.Seq
}
