package testutil

import (
	"fmt"
	"time"

	"heartledger/models"
)

// GiftReceiveDraft builds a GIFT_RECEIVE draft crediting a streamer
func GiftReceiveDraft(userID string, streamerID, amount int64, at time.Time) *models.LedgerEntryDraft {
	occurred := at.UTC()
	return &models.LedgerEntryDraft{
		UserID:         userID,
		StreamerID:     &streamerID,
		Amount:         amount,
		Kind:           models.EntryKindGiftReceive,
		IdempotencyKey: fmt.Sprintf("gift:%s:%d:%d:receive", userID, streamerID, at.UnixNano()),
		OccurredAt:     &occurred,
	}
}

// GiftSendDraft builds the sender's GIFT_SEND debit
func GiftSendDraft(userID string, streamerID, amount int64, at time.Time) *models.LedgerEntryDraft {
	occurred := at.UTC()
	return &models.LedgerEntryDraft{
		UserID:         userID,
		StreamerID:     &streamerID,
		Amount:         -amount,
		Kind:           models.EntryKindGiftSend,
		IdempotencyKey: fmt.Sprintf("gift:%s:%d:%d:send", userID, streamerID, at.UnixNano()),
		OccurredAt:     &occurred,
	}
}

// DailyGrantDraft builds a DAILY_GRANT draft with the daily claim key
func DailyGrantDraft(userID string, claimDate time.Time, amount int64) *models.LedgerEntryDraft {
	return &models.LedgerEntryDraft{
		UserID:         userID,
		Amount:         amount,
		Kind:           models.EntryKindDailyGrant,
		IdempotencyKey: fmt.Sprintf("daily:%s:%s", userID, claimDate.Format(models.ClaimDateLayout)),
	}
}

// AdjustmentDraft builds an ADJUSTMENT correcting the given entry
func AdjustmentDraft(userID string, correctsID, amount int64, key string) *models.LedgerEntryDraft {
	return &models.LedgerEntryDraft{
		UserID:          userID,
		Amount:          amount,
		Kind:            models.EntryKindAdjustment,
		IdempotencyKey:  key,
		CorrectsEntryID: &correctsID,
	}
}

// Date returns midnight UTC for the calendar date
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
