package service

import (
	"context"
	"iter"
	"time"

	"heartledger/events"
	"heartledger/models"
)

// LedgerRepository defines the interface for ledger entry storage
type LedgerRepository interface {
	// Insert stores the draft unless an entry with the same idempotency key
	// exists. created is false when the returned entry was already stored.
	Insert(ctx context.Context, draft *models.LedgerEntryDraft) (entry *models.LedgerEntry, created bool, err error)

	// GetByID returns the entry with the given id, or nil if none exists
	GetByID(ctx context.Context, id int64) (*models.LedgerEntry, error)

	// GetByIdempotencyKey returns the entry stored under the key, or nil
	GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)

	// ListByUser returns one page of a user's entries
	ListByUser(ctx context.Context, query models.HistoryQuery) ([]*models.LedgerEntry, error)

	// SumByStreamerInRange totals amounts of the given kinds per streamer for
	// entries created in [from, to). An empty streamerIDs means all streamers.
	SumByStreamerInRange(ctx context.Context, kinds []models.EntryKind, from, to time.Time, streamerIDs []int64) (map[int64]int64, error)

	// SumByUser totals a user's amounts over the given kinds
	SumByUser(ctx context.Context, userID string, kinds []models.EntryKind) (int64, error)
}

// DailyClaimRepository defines the interface for the per-day claim guard
type DailyClaimRepository interface {
	// Reserve atomically inserts the (user, date) record. reserved is false
	// when a record for the pair already exists.
	Reserve(ctx context.Context, userID string, claimDate time.Time) (reserved bool, err error)

	// SetGrantedAmount records the reward decided for a reserved claim
	SetGrantedAmount(ctx context.Context, userID string, claimDate time.Time, amount int64) error

	// Get returns the claim record, or nil if none exists
	Get(ctx context.Context, userID string, claimDate time.Time) (*models.DailyClaimRecord, error)

	// GetForUpdate returns the claim record locked for the rest of the transaction
	GetForUpdate(ctx context.Context, userID string, claimDate time.Time) (*models.DailyClaimRecord, error)

	// LinkLedgerEntry points the claim record at its paired ledger entry
	LinkLedgerEntry(ctx context.Context, userID string, claimDate time.Time, entryID int64) error

	// DeleteUnsettled removes the record only while it has no ledger entry
	DeleteUnsettled(ctx context.Context, userID string, claimDate time.Time) (deleted bool, err error)

	// ListUnsettledBefore returns claim records still missing a ledger entry
	// that were created before the cutoff, oldest first
	ListUnsettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.DailyClaimRecord, error)

	// ListSettledDates returns the user's settled claim dates strictly before
	// the given date, newest first
	ListSettledDates(ctx context.Context, userID string, before time.Time, limit int) ([]time.Time, error)
}

// EventPublisher defines the interface for publishing domain events
type EventPublisher interface {
	Publish(event events.Event)
}

// UnitOfWork defines the interface for transactional repository operations
type UnitOfWork interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) error

	// Commit commits the transaction and releases queued events
	Commit() error

	// Rollback rolls back the transaction and drops queued events
	Rollback() error

	// Repository getters
	LedgerRepository() LedgerRepository
	DailyClaimRepository() DailyClaimRepository

	// EventBus returns the transactional event bus for this unit of work
	EventBus() EventPublisher
}

// UnitOfWorkFactory defines the interface for creating UnitOfWork instances
type UnitOfWorkFactory interface {
	Create() UnitOfWork
}

// LeaderboardCache stores per-bucket streamer totals
type LeaderboardCache interface {
	Get(period models.Period, bucketStart time.Time) (*models.LeaderboardSnapshot, bool)
	Set(snapshot *models.LeaderboardSnapshot) error
	Delete(period models.Period, bucketStart time.Time)
}

// MetricsRecorder receives domain counters
type MetricsRecorder interface {
	ClaimOutcome(outcome string)
	LedgerAppend(kind models.EntryKind, result string)
	LeaderboardCacheLookup(period models.Period, hit bool)
}

// LedgerService defines the interface for the ledger store
type LedgerService interface {
	// Append stores a point-affecting event. A repeated idempotency key with
	// the same payload returns the stored entry with ErrDuplicateIdempotencyKey.
	Append(ctx context.Context, draft *models.LedgerEntryDraft) (*models.LedgerEntry, error)

	// GetEntry returns a stored entry or ErrEntryNotFound
	GetEntry(ctx context.Context, id int64) (*models.LedgerEntry, error)

	// QueryByUserAndRange lazily yields the user's entries in [from, to),
	// oldest first. Iterating again restarts from the beginning.
	QueryByUserAndRange(ctx context.Context, userID string, from, to time.Time) iter.Seq2[*models.LedgerEntry, error]

	// History lazily yields the user's entries newest first, continuing
	// after the cursor when one is given
	History(ctx context.Context, userID string, after *models.HistoryCursor) iter.Seq2[*models.LedgerEntry, error]

	// SumByStreamerInRange totals leaderboard kinds per streamer in [from, to)
	SumByStreamerInRange(ctx context.Context, from, to time.Time, streamerIDs []int64) (map[int64]int64, error)

	// Balance totals the user's own point kinds
	Balance(ctx context.Context, userID string) (int64, error)
}

// ClaimService defines the interface for the daily claim coordinator
type ClaimService interface {
	// ClaimDaily grants today's reward at most once per user and reference-zone day
	ClaimDaily(ctx context.Context, userID string, policy RewardPolicy) (*models.ClaimResult, error)

	// Status reports whether the user has claimed today without claiming
	Status(ctx context.Context, userID string) (*models.ClaimStatus, error)

	// RepairUnsettled completes claims left without a ledger entry for
	// longer than grace. Returns the number repaired.
	RepairUnsettled(ctx context.Context, grace time.Duration) (int, error)
}

// LeaderboardService defines the interface for the aggregation engine
type LeaderboardService interface {
	// Leaderboard ranks streamers by points in the period window ending at asOf
	Leaderboard(ctx context.Context, period models.Period, asOf time.Time, limit int) ([]*models.LeaderboardRow, error)

	// Reconcile rescans the current bucket of every period and overwrites the cache
	Reconcile(ctx context.Context) (int, error)

	// InvalidateFor drops cached buckets that contain the given instant
	InvalidateFor(createdAt time.Time)
}

// QueryService is the façade the HTTP layer calls
type QueryService interface {
	GetClaimStatus(ctx context.Context, userID string) (*models.ClaimStatus, error)
	Claim(ctx context.Context, userID string) (*models.ClaimResult, error)
	GetLeaderboard(ctx context.Context, period models.Period, limit int) ([]*models.LeaderboardRow, error)
	GetUserPointHistory(ctx context.Context, userID string, after *models.HistoryCursor) iter.Seq2[*models.LedgerEntry, error]
	GetUserBalance(ctx context.Context, userID string) (int64, error)
	AppendEntry(ctx context.Context, draft *models.LedgerEntryDraft) (*models.LedgerEntry, error)
}
