package service

import (
	"context"
	"iter"
	"time"

	"heartledger/models"

	"github.com/stretchr/testify/mock"
)

// MockLedgerService is a mock implementation of LedgerService
type MockLedgerService struct {
	mock.Mock
}

func (m *MockLedgerService) Append(ctx context.Context, draft *models.LedgerEntryDraft) (*models.LedgerEntry, error) {
	args := m.Called(ctx, draft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockLedgerService) GetEntry(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockLedgerService) QueryByUserAndRange(ctx context.Context, userID string, from, to time.Time) iter.Seq2[*models.LedgerEntry, error] {
	args := m.Called(ctx, userID, from, to)
	return args.Get(0).(iter.Seq2[*models.LedgerEntry, error])
}

func (m *MockLedgerService) History(ctx context.Context, userID string, after *models.HistoryCursor) iter.Seq2[*models.LedgerEntry, error] {
	args := m.Called(ctx, userID, after)
	return args.Get(0).(iter.Seq2[*models.LedgerEntry, error])
}

func (m *MockLedgerService) SumByStreamerInRange(ctx context.Context, from, to time.Time, streamerIDs []int64) (map[int64]int64, error) {
	args := m.Called(ctx, from, to, streamerIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int64]int64), args.Error(1)
}

func (m *MockLedgerService) Balance(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

// MockClaimService is a mock implementation of ClaimService
type MockClaimService struct {
	mock.Mock
}

func (m *MockClaimService) ClaimDaily(ctx context.Context, userID string, policy RewardPolicy) (*models.ClaimResult, error) {
	args := m.Called(ctx, userID, policy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ClaimResult), args.Error(1)
}

func (m *MockClaimService) Status(ctx context.Context, userID string) (*models.ClaimStatus, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ClaimStatus), args.Error(1)
}

func (m *MockClaimService) RepairUnsettled(ctx context.Context, grace time.Duration) (int, error) {
	args := m.Called(ctx, grace)
	return args.Int(0), args.Error(1)
}

// MockLeaderboardService is a mock implementation of LeaderboardService
type MockLeaderboardService struct {
	mock.Mock
}

func (m *MockLeaderboardService) Leaderboard(ctx context.Context, period models.Period, asOf time.Time, limit int) ([]*models.LeaderboardRow, error) {
	args := m.Called(ctx, period, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.LeaderboardRow), args.Error(1)
}

func (m *MockLeaderboardService) Reconcile(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockLeaderboardService) InvalidateFor(createdAt time.Time) {
	m.Called(createdAt)
}

// MockQueryService is a mock implementation of QueryService
type MockQueryService struct {
	mock.Mock
}

func (m *MockQueryService) GetClaimStatus(ctx context.Context, userID string) (*models.ClaimStatus, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ClaimStatus), args.Error(1)
}

func (m *MockQueryService) Claim(ctx context.Context, userID string) (*models.ClaimResult, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ClaimResult), args.Error(1)
}

func (m *MockQueryService) GetLeaderboard(ctx context.Context, period models.Period, limit int) ([]*models.LeaderboardRow, error) {
	args := m.Called(ctx, period, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.LeaderboardRow), args.Error(1)
}

func (m *MockQueryService) GetUserPointHistory(ctx context.Context, userID string, after *models.HistoryCursor) iter.Seq2[*models.LedgerEntry, error] {
	args := m.Called(ctx, userID, after)
	return args.Get(0).(iter.Seq2[*models.LedgerEntry, error])
}

func (m *MockQueryService) GetUserBalance(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQueryService) AppendEntry(ctx context.Context, draft *models.LedgerEntryDraft) (*models.LedgerEntry, error) {
	args := m.Called(ctx, draft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

// SeqOf returns a sequence yielding the given entries, then err if non-nil
func SeqOf(entries []*models.LedgerEntry, err error) iter.Seq2[*models.LedgerEntry, error] {
	return func(yield func(*models.LedgerEntry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}
