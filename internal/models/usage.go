package models

import "time"

// MemberUsageCounter mirrors count(accepted records) for one (benefit, member) pair.
type MemberUsageCounter struct {
	BenefitID  string    `json:"benefit_id"`
	MemberID   string    `json:"member_id"`
	Count      int       `json:"count"`
	LastUsedAt time.Time `json:"last_used_at"`
}
