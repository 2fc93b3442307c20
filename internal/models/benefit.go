package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BenefitState string

// Wire values match the labels the dashboards already render.
const (
	StateActive    BenefitState = "activo"
	StateInactive  BenefitState = "inactivo"
	StateExpired   BenefitState = "vencido"
	StateExhausted BenefitState = "agotado"
)

func (s BenefitState) Valid() bool {
	switch s {
	case StateActive, StateInactive, StateExpired, StateExhausted:
		return true
	}
	return false
}

// Terminal states can never return to StateActive.
func (s BenefitState) Terminal() bool {
	return s == StateExpired || s == StateExhausted
}

type DiscountKind string

const (
	DiscountPercentage  DiscountKind = "percentage"
	DiscountFixedAmount DiscountKind = "fixed_amount"
	DiscountFreeItem    DiscountKind = "free_item"
)

// Discount is a tagged union; Value is ignored for DiscountFreeItem.
type Discount struct {
	Kind  DiscountKind    `json:"kind"`
	Value decimal.Decimal `json:"value"`
}

func Percentage(p decimal.Decimal) Discount {
	return Discount{Kind: DiscountPercentage, Value: p}
}

func FixedAmount(a decimal.Decimal) Discount {
	return Discount{Kind: DiscountFixedAmount, Value: a}
}

func FreeItem() Discount {
	return Discount{Kind: DiscountFreeItem}
}

type Benefit struct {
	ID             string       `json:"id"`
	MerchantID     string       `json:"merchant_id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Discount       Discount     `json:"discount"`
	State          BenefitState `json:"state"`
	ValidFrom      time.Time    `json:"valid_from"`
	ValidUntil     time.Time    `json:"valid_until"`
	PerMemberLimit *int         `json:"per_member_limit,omitempty"`
	TotalLimit     *int         `json:"total_limit,omitempty"`
	UsedTotal      int          `json:"used_total"`
	// Version increases on every write and backs optimistic checks in stores that need them.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate limits without aliasing stored values.
func (b Benefit) Clone() Benefit {
	out := b
	if b.PerMemberLimit != nil {
		v := *b.PerMemberLimit
		out.PerMemberLimit = &v
	}
	if b.TotalLimit != nil {
		v := *b.TotalLimit
		out.TotalLimit = &v
	}
	return out
}

// CapacityReached reports whether the total limit, if any, has been consumed.
func (b Benefit) CapacityReached() bool {
	return b.TotalLimit != nil && b.UsedTotal >= *b.TotalLimit
}

// NewBenefit is the merchant-supplied input for a benefit definition.
type NewBenefit struct {
	MerchantID     string    `json:"merchant_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Discount       Discount  `json:"discount"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	PerMemberLimit *int      `json:"per_member_limit,omitempty"`
	TotalLimit     *int      `json:"total_limit,omitempty"`
}

// BenefitPatch carries optional edits; nil fields are left untouched.
// ClearPerMemberLimit and ClearTotalLimit remove a limit entirely.
type BenefitPatch struct {
	Title               *string    `json:"title,omitempty"`
	Description         *string    `json:"description,omitempty"`
	Discount            *Discount  `json:"discount,omitempty"`
	ValidFrom           *time.Time `json:"valid_from,omitempty"`
	ValidUntil          *time.Time `json:"valid_until,omitempty"`
	PerMemberLimit      *int       `json:"per_member_limit,omitempty"`
	TotalLimit          *int       `json:"total_limit,omitempty"`
	ClearPerMemberLimit bool       `json:"clear_per_member_limit,omitempty"`
	ClearTotalLimit     bool       `json:"clear_total_limit,omitempty"`
}

func IntPtr(v int) *int {
	return &v
}
