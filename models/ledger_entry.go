package models

import (
	"time"
)

// EntryKind represents the type of point-affecting event
type EntryKind string

const (
	EntryKindDailyGrant  EntryKind = "DAILY_GRANT"
	EntryKindGiftSend    EntryKind = "GIFT_SEND"
	EntryKindGiftReceive EntryKind = "GIFT_RECEIVE"
	EntryKindAdjustment  EntryKind = "ADJUSTMENT"
)

// LeaderboardKinds is the set of entry kinds that count toward a streamer's
// leaderboard total.
var LeaderboardKinds = []EntryKind{EntryKindGiftReceive}

// BalanceKinds is the set of entry kinds that make up a user's own balance.
var BalanceKinds = []EntryKind{EntryKindDailyGrant, EntryKindGiftSend, EntryKindAdjustment}

// IsValid returns true if the kind is one of the known entry kinds
func (k EntryKind) IsValid() bool {
	switch k {
	case EntryKindDailyGrant, EntryKindGiftSend, EntryKindGiftReceive, EntryKindAdjustment:
		return true
	}
	return false
}

// CountsTowardLeaderboard returns true if entries of this kind are summed into streamer rankings
func (k EntryKind) CountsTowardLeaderboard() bool {
	for _, included := range LeaderboardKinds {
		if k == included {
			return true
		}
	}
	return false
}

// String returns the string representation of the entry kind
func (k EntryKind) String() string {
	return string(k)
}

// LedgerEntry is an immutable point-affecting event
type LedgerEntry struct {
	ID              int64     `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"userId"`
	StreamerID      *int64    `db:"streamer_id" json:"streamerId"`
	Amount          int64     `db:"amount" json:"amount"`
	Kind            EntryKind `db:"kind" json:"kind"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	IdempotencyKey  string    `db:"idempotency_key" json:"idempotencyKey"`
	CorrectsEntryID *int64    `db:"corrects_entry_id" json:"correctsEntryId,omitempty"`
}

// SamePayload reports whether the draft describes the same logical operation
// as an already stored entry.
func (e *LedgerEntry) SamePayload(d *LedgerEntryDraft) bool {
	if e.UserID != d.UserID || e.Amount != d.Amount || e.Kind != d.Kind {
		return false
	}
	return equalOptionalID(e.StreamerID, d.StreamerID) && equalOptionalID(e.CorrectsEntryID, d.CorrectsEntryID)
}

// LedgerEntryDraft is the caller-supplied part of a ledger entry
type LedgerEntryDraft struct {
	UserID          string     `json:"userId" validate:"required|maxLen:128"`
	StreamerID      *int64     `json:"streamerId"`
	Amount          int64      `json:"amount" validate:"required"`
	Kind            EntryKind  `json:"kind" validate:"required|in:DAILY_GRANT,GIFT_SEND,GIFT_RECEIVE,ADJUSTMENT"`
	IdempotencyKey  string     `json:"idempotencyKey" validate:"required|maxLen:200"`
	CorrectsEntryID *int64     `json:"correctsEntryId"`
	OccurredAt      *time.Time `json:"occurredAt"` // defaults to the database clock
}

func equalOptionalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
