package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"heartledger/events"
	"heartledger/models"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	repairBatchSize = 100
	rollbackTimeout = 5 * time.Second
)

var errClaimVanished = errors.New("daily claim record no longer exists")

// ClaimOptions configures the claim coordinator
type ClaimOptions struct {
	Location       *time.Location
	MaxRetries     int
	RetryBaseDelay time.Duration
	InstanceID     string
	Clock          Clock
	Metrics        MetricsRecorder
}

// claimService implements the ClaimService interface
type claimService struct {
	uowFactory UnitOfWorkFactory
	loc        *time.Location
	maxRetries int
	baseDelay  time.Duration
	instanceID string
	clock      Clock
	metrics    MetricsRecorder
}

// NewClaimService creates a new daily claim coordinator
func NewClaimService(uowFactory UnitOfWorkFactory, opts ClaimOptions) ClaimService {
	s := &claimService{
		uowFactory: uowFactory,
		loc:        opts.Location,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.RetryBaseDelay,
		instanceID: opts.InstanceID,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.baseDelay <= 0 {
		s.baseDelay = 50 * time.Millisecond
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.metrics == nil {
		s.metrics = NoopMetrics{}
	}
	return s
}

// ClaimDaily grants today's reward at most once per user and reference-zone day
func (s *claimService) ClaimDaily(ctx context.Context, userID string, policy RewardPolicy) (*models.ClaimResult, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	claimDate := ClaimDate(s.clock(), s.loc)
	logger := log.WithFields(log.Fields{
		"userId":    userID,
		"claimDate": claimDate.Format(models.ClaimDateLayout),
	})

	reserved, record, err := s.reserve(ctx, userID, claimDate, policy)
	if err != nil {
		s.metrics.ClaimOutcome(outcomeLabel(err))
		return nil, fmt.Errorf("failed to reserve daily claim for user %s: %w", userID, err)
	}

	if !reserved {
		if !record.IsSettled() {
			// The original claimer may have died between its two writes
			if _, err := s.settle(ctx, userID, claimDate); err != nil {
				logger.WithError(err).Warn("Could not settle pending daily claim on behalf of a repeated request")
			}
		}
		s.metrics.ClaimOutcome("already_claimed")
		return &models.ClaimResult{
			Granted:             false,
			Amount:              record.GrantedAmount,
			AlreadyClaimedToday: true,
		}, nil
	}

	entry, err := s.settleWithRetry(ctx, userID, claimDate)
	if err != nil {
		settled, rbErr := s.rollbackClaim(userID, claimDate)
		if rbErr != nil {
			logger.WithError(rbErr).Error("Failed to roll back unsettled daily claim; repair worker will complete it")
		}
		if settled {
			logger.Info("Daily claim settled concurrently after append retries were exhausted")
			s.metrics.ClaimOutcome("granted")
			return &models.ClaimResult{Granted: true, Amount: record.GrantedAmount}, nil
		}

		s.metrics.ClaimOutcome(outcomeLabel(err))
		logger.WithError(err).Warn("Daily grant append failed; claim rolled back")
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, fmt.Errorf("failed to grant daily reward for user %s: %w", userID, err)
		}
		return nil, fmt.Errorf("failed to grant daily reward for user %s: %w: %w", userID, ErrStoreUnavailable, err)
	}

	s.metrics.ClaimOutcome("granted")
	logger.WithFields(log.Fields{
		"amount":  entry.Amount,
		"entryId": entry.ID,
	}).Info("Daily reward granted")

	return &models.ClaimResult{
		Granted: true,
		Amount:  entry.Amount,
	}, nil
}

// reserve inserts the claim record and, for the winner, stores the amount
// decided by the policy. Losers get the existing record back.
func (s *claimService) reserve(ctx context.Context, userID string, claimDate time.Time, policy RewardPolicy) (bool, *models.DailyClaimRecord, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return false, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	claims := uow.DailyClaimRepository()

	reserved, err := claims.Reserve(ctx, userID, claimDate)
	if err != nil {
		return false, nil, err
	}

	if !reserved {
		record, err := claims.Get(ctx, userID, claimDate)
		if err != nil {
			return false, nil, err
		}
		if record == nil {
			// Rolled back by its owner between our insert and read
			return false, nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, errClaimVanished)
		}
		return false, record, nil
	}

	amount, err := policy.RewardFor(ctx, claims, userID, claimDate)
	if err != nil {
		return false, nil, err
	}
	if amount <= 0 {
		return false, nil, fmt.Errorf("reward policy returned non-positive amount %d", amount)
	}

	if err := claims.SetGrantedAmount(ctx, userID, claimDate, amount); err != nil {
		return false, nil, err
	}

	if err := uow.Commit(); err != nil {
		return false, nil, err
	}

	return true, &models.DailyClaimRecord{
		UserID:        userID,
		ClaimDate:     claimDate,
		GrantedAmount: amount,
	}, nil
}

// settleWithRetry appends the grant with bounded exponential backoff. Only
// store-unavailable failures are retried; the idempotency key makes every
// attempt safe.
func (s *claimService) settleWithRetry(ctx context.Context, userID string, claimDate time.Time) (*models.LedgerEntry, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.baseDelay
	policy.MaxInterval = 20 * s.baseDelay
	policy.MaxElapsedTime = 0

	var entry *models.LedgerEntry
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		entry, err = s.settle(ctx, userID, claimDate)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"userId":  userID,
			"attempt": attempt,
			"wait":    wait,
		}).WithError(err).Warn("Retrying daily grant append")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxRetries)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, err
	}
	return entry, nil
}

// settle appends the DAILY_GRANT for a reserved claim and links it, in one
// transaction holding the claim row lock
func (s *claimService) settle(ctx context.Context, userID string, claimDate time.Time) (*models.LedgerEntry, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	claims := uow.DailyClaimRepository()

	record, err := claims.GetForUpdate(ctx, userID, claimDate)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errClaimVanished
	}
	if record.IsSettled() {
		entry, err := uow.LedgerRepository().GetByID(ctx, *record.LedgerEntryID)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, *record.LedgerEntryID)
		}
		return entry, nil
	}

	entry, err := appendEntry(ctx, uow, DailyGrantDraft(userID, claimDate, record.GrantedAmount), s.instanceID)
	created := err == nil
	if err != nil && !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return nil, err
	}

	if err := claims.LinkLedgerEntry(ctx, userID, claimDate, entry.ID); err != nil {
		return nil, err
	}

	if created {
		uow.EventBus().Publish(events.DailyClaimGrantedEvent{
			UserID:        userID,
			ClaimDate:     claimDate.Format(models.ClaimDateLayout),
			Amount:        entry.Amount,
			LedgerEntryID: entry.ID,
			GrantedAt:     entry.CreatedAt,
		})
	}

	if err := uow.Commit(); err != nil {
		return nil, err
	}

	return entry, nil
}

// rollbackClaim removes the unsettled claim record so the user can claim
// again today. settled reports that the record was linked by someone else.
func (s *claimService) rollbackClaim(userID string, claimDate time.Time) (settled bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	claims := uow.DailyClaimRepository()

	deleted, err := claims.DeleteUnsettled(ctx, userID, claimDate)
	if err != nil {
		return false, err
	}
	if !deleted {
		record, err := claims.Get(ctx, userID, claimDate)
		if err != nil {
			return false, err
		}
		return record != nil && record.IsSettled(), nil
	}

	return false, uow.Commit()
}

// Status reports whether the user has claimed today without claiming
func (s *claimService) Status(ctx context.Context, userID string) (*models.ClaimStatus, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	record, err := uow.DailyClaimRepository().Get(ctx, userID, ClaimDate(s.clock(), s.loc))
	if err != nil {
		return nil, fmt.Errorf("failed to get claim status for user %s: %w", userID, err)
	}
	if record == nil {
		return &models.ClaimStatus{ClaimedToday: false}, nil
	}

	amount := record.GrantedAmount
	return &models.ClaimStatus{ClaimedToday: true, Amount: &amount}, nil
}

// RepairUnsettled completes claims left without a ledger entry for longer
// than grace, using the same idempotency key as the original attempt
func (s *claimService) RepairUnsettled(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := s.clock().Add(-grace)

	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	pending, err := uow.DailyClaimRepository().ListUnsettledBefore(ctx, cutoff, repairBatchSize)
	uow.Rollback()
	if err != nil {
		return 0, fmt.Errorf("failed to list unsettled claims: %w", err)
	}

	repaired := 0
	var errs []error
	for _, record := range pending {
		if ctx.Err() != nil {
			break
		}

		entry, err := s.settle(ctx, record.UserID, record.ClaimDate)
		if errors.Is(err, errClaimVanished) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s on %s: %w", record.UserID, record.ClaimDate.Format(models.ClaimDateLayout), err))
			continue
		}

		repaired++
		log.WithFields(log.Fields{
			"userId":    record.UserID,
			"claimDate": record.ClaimDate.Format(models.ClaimDateLayout),
			"entryId":   entry.ID,
		}).Info("Repaired unsettled daily claim")
	}

	return repaired, errors.Join(errs...)
}

// DailyGrantKey is the idempotency key of a user's grant for a claim date
func DailyGrantKey(userID string, claimDate time.Time) string {
	return fmt.Sprintf("daily:%s:%s", userID, claimDate.Format(models.ClaimDateLayout))
}

// DailyGrantDraft builds the ledger draft for a daily grant
func DailyGrantDraft(userID string, claimDate time.Time, amount int64) *models.LedgerEntryDraft {
	return &models.LedgerEntryDraft{
		UserID:         userID,
		Amount:         amount,
		Kind:           models.EntryKindDailyGrant,
		IdempotencyKey: DailyGrantKey(userID, claimDate),
	}
}

func outcomeLabel(err error) string {
	if errors.Is(err, ErrStoreUnavailable) {
		return "unavailable"
	}
	return "error"
}
