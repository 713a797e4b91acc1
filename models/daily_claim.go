package models

import (
	"time"
)

// ClaimDateLayout is the canonical text form of a claim date
const ClaimDateLayout = "2006-01-02"

// DailyClaimRecord guards the once-per-day reward for a user
type DailyClaimRecord struct {
	UserID        string    `db:"user_id"`
	ClaimDate     time.Time `db:"claim_date"` // midnight UTC carrying the reference-zone calendar date
	GrantedAmount int64     `db:"granted_amount"`
	LedgerEntryID *int64    `db:"ledger_entry_id"`
	CreatedAt     time.Time `db:"created_at"`
}

// IsSettled returns true once the paired ledger entry exists
func (r *DailyClaimRecord) IsSettled() bool {
	return r.LedgerEntryID != nil
}

// ClaimResult is returned to callers of the daily claim
type ClaimResult struct {
	Granted             bool  `json:"granted"`
	Amount              int64 `json:"amount"`
	AlreadyClaimedToday bool  `json:"alreadyClaimedToday"`
}

// ClaimStatus describes whether the user has claimed in the current reference-zone day
type ClaimStatus struct {
	ClaimedToday bool   `json:"claimedToday"`
	Amount       *int64 `json:"amount"`
}
