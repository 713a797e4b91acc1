package service

import (
	"context"
	"fmt"
	"time"
)

// RewardPolicy decides the daily reward for a user and claim date. It runs
// inside the claim transaction with that transaction's claim repository.
type RewardPolicy interface {
	RewardFor(ctx context.Context, claims DailyClaimRepository, userID string, claimDate time.Time) (int64, error)
}

// RewardPolicyFunc adapts a function to RewardPolicy
type RewardPolicyFunc func(ctx context.Context, claims DailyClaimRepository, userID string, claimDate time.Time) (int64, error)

func (f RewardPolicyFunc) RewardFor(ctx context.Context, claims DailyClaimRepository, userID string, claimDate time.Time) (int64, error) {
	return f(ctx, claims, userID, claimDate)
}

// FixedReward grants the same amount every day
type FixedReward struct {
	Amount int64
}

func (p FixedReward) RewardFor(_ context.Context, _ DailyClaimRepository, _ string, _ time.Time) (int64, error) {
	return p.Amount, nil
}

// StreakReward grants Base plus Bonus for every consecutive prior claim day,
// counting at most MaxStreak days including today
type StreakReward struct {
	Base      int64
	Bonus     int64
	MaxStreak int
}

func (p StreakReward) RewardFor(ctx context.Context, claims DailyClaimRepository, userID string, claimDate time.Time) (int64, error) {
	if p.Bonus == 0 || p.MaxStreak <= 1 {
		return p.Base, nil
	}

	streak, err := p.streak(ctx, claims, userID, claimDate)
	if err != nil {
		return 0, fmt.Errorf("failed to compute claim streak for user %s: %w", userID, err)
	}

	return p.Base + p.Bonus*int64(streak-1), nil
}

// streak returns the number of consecutive claim days ending today, capped at MaxStreak
func (p StreakReward) streak(ctx context.Context, claims DailyClaimRepository, userID string, claimDate time.Time) (int, error) {
	previous, err := claims.ListSettledDates(ctx, userID, claimDate, p.MaxStreak-1)
	if err != nil {
		return 0, err
	}

	streak := 1
	for i, d := range previous {
		if !d.Equal(claimDate.AddDate(0, 0, -(i + 1))) {
			break
		}
		streak++
	}
	if streak > p.MaxStreak {
		streak = p.MaxStreak
	}
	return streak, nil
}
