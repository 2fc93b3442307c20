package service

import (
	"time"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
)

// EvaluateState recomputes the lifecycle state for now. Expiry is time-driven
// and never trusted to a background job; exhaustion is counter-driven and is
// trusted from storage because only the redemption transaction writes it.
func EvaluateState(b models.Benefit, now time.Time) models.BenefitState {
	switch {
	case b.State == models.StateExhausted:
		return models.StateExhausted
	case b.State == models.StateExpired, now.After(b.ValidUntil):
		return models.StateExpired
	case b.State == models.StateInactive:
		return models.StateInactive
	default:
		return models.StateActive
	}
}

// InWindow reports whether now falls in [ValidFrom, ValidUntil).
func InWindow(b models.Benefit, now time.Time) bool {
	return !now.Before(b.ValidFrom) && now.Before(b.ValidUntil)
}

// canTransition encodes the merchant-driven and system-driven edges of the
// lifecycle graph.
func canTransition(from, to models.BenefitState) bool {
	if from == to {
		return true
	}
	switch from {
	case models.StateActive:
		return to == models.StateInactive || to == models.StateExpired || to == models.StateExhausted
	case models.StateInactive:
		return to == models.StateActive || to == models.StateExpired || to == models.StateExhausted
	}
	return false
}
