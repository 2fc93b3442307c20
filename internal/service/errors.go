package service

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrBenefitNotFound   = errors.New("benefit not found")
	ErrMerchantNotFound  = errors.New("merchant not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrImmutableAfterUse rejects limit edits that would contradict redemptions already recorded.
	ErrImmutableAfterUse = errors.New("limit cannot go below recorded usage")
)
