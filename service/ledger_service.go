package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"heartledger/events"
	"heartledger/models"

	"github.com/gookit/validate"
	log "github.com/sirupsen/logrus"
)

// historyPageSize is how many entries a lazy sequence fetches per query
const historyPageSize = 100

// ledgerService implements the LedgerService interface
type ledgerService struct {
	uowFactory UnitOfWorkFactory
	metrics    MetricsRecorder
	instanceID string
	pageSize   int
}

// NewLedgerService creates a new ledger service
func NewLedgerService(uowFactory UnitOfWorkFactory, metrics MetricsRecorder, instanceID string) LedgerService {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &ledgerService{
		uowFactory: uowFactory,
		metrics:    metrics,
		instanceID: instanceID,
		pageSize:   historyPageSize,
	}
}

// Append validates and stores a ledger entry
func (s *ledgerService) Append(ctx context.Context, draft *models.LedgerEntryDraft) (*models.LedgerEntry, error) {
	if err := ValidateDraft(draft); err != nil {
		if draft != nil {
			s.metrics.LedgerAppend(draft.Kind, "invalid")
		}
		return nil, err
	}

	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if draft.CorrectsEntryID != nil {
		target, err := uow.LedgerRepository().GetByID(ctx, *draft.CorrectsEntryID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			s.metrics.LedgerAppend(draft.Kind, "invalid")
			return nil, fmt.Errorf("%w: corrected entry %d does not exist", ErrInvalidDraft, *draft.CorrectsEntryID)
		}
	}

	entry, err := appendEntry(ctx, uow, draft, s.instanceID)
	if err != nil && !errors.Is(err, ErrDuplicateIdempotencyKey) {
		s.metrics.LedgerAppend(draft.Kind, resultLabel(err))
		return nil, err
	}
	duplicate := err != nil

	if err := uow.Commit(); err != nil {
		s.metrics.LedgerAppend(draft.Kind, resultLabel(err))
		return nil, err
	}

	if duplicate {
		s.metrics.LedgerAppend(draft.Kind, "duplicate")
		return entry, ErrDuplicateIdempotencyKey
	}

	s.metrics.LedgerAppend(draft.Kind, "created")
	log.WithFields(log.Fields{
		"entryId": entry.ID,
		"userId":  entry.UserID,
		"kind":    entry.Kind,
		"amount":  entry.Amount,
	}).Debug("Ledger entry appended")

	return entry, nil
}

// appendEntry inserts the draft inside uow and queues the appended event.
// A repeated key returns the stored entry with ErrDuplicateIdempotencyKey,
// or ErrIdempotencyKeyReused when the payload differs.
func appendEntry(ctx context.Context, uow UnitOfWork, draft *models.LedgerEntryDraft, origin string) (*models.LedgerEntry, error) {
	entry, created, err := uow.LedgerRepository().Insert(ctx, draft)
	if err != nil {
		return nil, err
	}

	if !created {
		if !entry.SamePayload(draft) {
			return nil, fmt.Errorf("%w: key %q", ErrIdempotencyKeyReused, draft.IdempotencyKey)
		}
		return entry, ErrDuplicateIdempotencyKey
	}

	uow.EventBus().Publish(events.LedgerEntryAppendedEvent{
		EntryID:    entry.ID,
		UserID:     entry.UserID,
		StreamerID: entry.StreamerID,
		Amount:     entry.Amount,
		Kind:       entry.Kind,
		CreatedAt:  entry.CreatedAt,
		Origin:     origin,
	})

	return entry, nil
}

// MaxOccurredAtSkew is how far ahead of the local clock an OccurredAt may be
const MaxOccurredAtSkew = time.Minute

// ValidateDraft checks field constraints and the per-kind sign and
// attribution rules
func ValidateDraft(draft *models.LedgerEntryDraft) error {
	if draft == nil {
		return fmt.Errorf("%w: missing entry", ErrInvalidDraft)
	}

	v := validate.Struct(draft)
	if !v.Validate() {
		return fmt.Errorf("%w: %s", ErrInvalidDraft, v.Errors.Error())
	}

	switch draft.Kind {
	case models.EntryKindDailyGrant:
		if draft.Amount <= 0 || draft.StreamerID != nil {
			return fmt.Errorf("%w: daily grants are positive and not attributed to a streamer", ErrInvalidDraft)
		}
	case models.EntryKindGiftReceive:
		if draft.Amount <= 0 || draft.StreamerID == nil {
			return fmt.Errorf("%w: gift receipts are positive and name a streamer", ErrInvalidDraft)
		}
	case models.EntryKindGiftSend:
		if draft.Amount >= 0 {
			return fmt.Errorf("%w: gift sends are debits", ErrInvalidDraft)
		}
	case models.EntryKindAdjustment:
		if draft.CorrectsEntryID == nil {
			return fmt.Errorf("%w: adjustments must reference the corrected entry", ErrInvalidDraft)
		}
	}

	if draft.Kind != models.EntryKindAdjustment && draft.CorrectsEntryID != nil {
		return fmt.Errorf("%w: only adjustments reference another entry", ErrInvalidDraft)
	}

	if draft.OccurredAt != nil && draft.OccurredAt.After(time.Now().Add(MaxOccurredAtSkew)) {
		return fmt.Errorf("%w: occurredAt %s is in the future", ErrInvalidDraft, draft.OccurredAt.Format(time.RFC3339))
	}

	return nil
}

// GetEntry returns a stored entry or ErrEntryNotFound
func (s *ledgerService) GetEntry(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	entry, err := uow.LedgerRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	return entry, nil
}

// QueryByUserAndRange yields entries in [from, to) oldest first
func (s *ledgerService) QueryByUserAndRange(ctx context.Context, userID string, from, to time.Time) iter.Seq2[*models.LedgerEntry, error] {
	return s.pages(ctx, models.HistoryQuery{UserID: userID, From: from, To: to})
}

// History yields entries newest first
func (s *ledgerService) History(ctx context.Context, userID string, after *models.HistoryCursor) iter.Seq2[*models.LedgerEntry, error] {
	return s.pages(ctx, models.HistoryQuery{UserID: userID, Descending: true, After: after})
}

// pages fetches one page per query and continues from the last yielded
// entry. Every call of the returned sequence starts again from base.
func (s *ledgerService) pages(ctx context.Context, base models.HistoryQuery) iter.Seq2[*models.LedgerEntry, error] {
	return func(yield func(*models.LedgerEntry, error) bool) {
		query := base
		query.Limit = s.pageSize

		for {
			page, err := s.fetchPage(ctx, query)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}

			if len(page) < query.Limit {
				return
			}
			cursor := models.CursorOf(page[len(page)-1])
			query.After = &cursor
		}
	}
}

func (s *ledgerService) fetchPage(ctx context.Context, query models.HistoryQuery) ([]*models.LedgerEntry, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.LedgerRepository().ListByUser(ctx, query)
}

// SumByStreamerInRange totals leaderboard kinds per streamer in [from, to)
func (s *ledgerService) SumByStreamerInRange(ctx context.Context, from, to time.Time, streamerIDs []int64) (map[int64]int64, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.LedgerRepository().SumByStreamerInRange(ctx, models.LeaderboardKinds, from, to, streamerIDs)
}

// Balance totals the user's own point kinds
func (s *ledgerService) Balance(ctx context.Context, userID string) (int64, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.LedgerRepository().SumByUser(ctx, userID, models.BalanceKinds)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, ErrIdempotencyKeyReused):
		return "key_reused"
	case errors.Is(err, ErrInvalidDraft):
		return "invalid"
	}
	return "error"
}
