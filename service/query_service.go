package service

import (
	"context"
	"iter"

	"heartledger/models"
)

// queryService implements the QueryService interface. It only delegates and
// shapes results; rules live in the underlying services.
type queryService struct {
	ledger      LedgerService
	claims      ClaimService
	leaderboard LeaderboardService
	policy      RewardPolicy
	clock       Clock
}

// NewQueryService creates the façade used by the HTTP layer
func NewQueryService(ledger LedgerService, claims ClaimService, leaderboard LeaderboardService, policy RewardPolicy, clock Clock) QueryService {
	return &queryService{
		ledger:      ledger,
		claims:      claims,
		leaderboard: leaderboard,
		policy:      policy,
		clock:       clock,
	}
}

// GetClaimStatus reports today's claim state without claiming
func (s *queryService) GetClaimStatus(ctx context.Context, userID string) (*models.ClaimStatus, error) {
	return s.claims.Status(ctx, userID)
}

// Claim attempts today's reward
func (s *queryService) Claim(ctx context.Context, userID string) (*models.ClaimResult, error) {
	return s.claims.ClaimDaily(ctx, userID, s.policy)
}

// GetLeaderboard ranks streamers for the period as of now
func (s *queryService) GetLeaderboard(ctx context.Context, period models.Period, limit int) ([]*models.LeaderboardRow, error) {
	return s.leaderboard.Leaderboard(ctx, period, s.clock(), limit)
}

// GetUserPointHistory yields the user's entries newest first
func (s *queryService) GetUserPointHistory(ctx context.Context, userID string, after *models.HistoryCursor) iter.Seq2[*models.LedgerEntry, error] {
	if userID == "" {
		return func(yield func(*models.LedgerEntry, error) bool) {
			yield(nil, ErrMissingUser)
		}
	}
	return s.ledger.History(ctx, userID, after)
}

// GetUserBalance returns the user's own point balance
func (s *queryService) GetUserBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}
	return s.ledger.Balance(ctx, userID)
}

// AppendEntry records an event supplied by a collaborator
func (s *queryService) AppendEntry(ctx context.Context, draft *models.LedgerEntryDraft) (*models.LedgerEntry, error) {
	return s.ledger.Append(ctx, draft)
}
