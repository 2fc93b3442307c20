package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
)

const amountPlaces = 2

var (
	hundred = decimal.NewFromInt(100)

	ErrInvalidDiscount = errors.New("invalid discount")
	ErrInvalidAmount   = errors.New("original amount must not be negative")
)

// ValidateDiscount checks the per-kind value constraints.
func ValidateDiscount(d models.Discount) error {
	switch d.Kind {
	case models.DiscountPercentage:
		if !d.Value.IsPositive() || d.Value.GreaterThan(hundred) {
			return fmt.Errorf("%w: percentage must be in (0, 100], got %s", ErrInvalidDiscount, d.Value)
		}
	case models.DiscountFixedAmount:
		if !d.Value.IsPositive() {
			return fmt.Errorf("%w: fixed amount must be positive, got %s", ErrInvalidDiscount, d.Value)
		}
	case models.DiscountFreeItem:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDiscount, d.Kind)
	}
	return nil
}

// ApplyDiscount returns (discountApplied, finalAmount). Pure; the final amount
// never goes below zero.
func ApplyDiscount(d models.Discount, original decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	var final decimal.Decimal
	switch d.Kind {
	case models.DiscountPercentage:
		final = original.Mul(hundred.Sub(d.Value)).Div(hundred)
	case models.DiscountFixedAmount:
		final = decimal.Max(original.Sub(d.Value), decimal.Zero)
	case models.DiscountFreeItem:
		final = decimal.Zero
	default:
		final = original
	}
	final = final.Round(amountPlaces)
	return original.Sub(final), final
}
