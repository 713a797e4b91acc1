package models

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HistoryCursor marks a position in a user's ledger ordered by (created_at, id)
type HistoryCursor struct {
	CreatedAt time.Time
	ID        int64
}

// CursorOf returns the cursor positioned at the given entry
func CursorOf(e *LedgerEntry) HistoryCursor {
	return HistoryCursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// Encode renders the cursor as an opaque URL-safe token
func (c HistoryCursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + ":" + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeHistoryCursor parses a token produced by Encode
func DecodeHistoryCursor(token string) (HistoryCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	micros, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return HistoryCursor{}, fmt.Errorf("malformed cursor %q", token)
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	entryID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("malformed cursor id: %w", err)
	}
	return HistoryCursor{CreatedAt: time.UnixMicro(us).UTC(), ID: entryID}, nil
}

// HistoryQuery selects one page of a user's ledger entries
type HistoryQuery struct {
	UserID string
	// From and To bound created_at as [From, To). Zero values leave the side open.
	From time.Time
	To   time.Time
	// After continues strictly past this position in the chosen order
	After *HistoryCursor
	// Descending returns newest entries first
	Descending bool
	Limit      int
}

// LeaderboardSnapshot holds per-streamer totals for one window bucket
type LeaderboardSnapshot struct {
	Period      Period          `json:"period"`
	BucketStart time.Time       `json:"bucketStart"`
	AsOf        time.Time       `json:"asOf"`
	Totals      map[int64]int64 `json:"totals"`
}
