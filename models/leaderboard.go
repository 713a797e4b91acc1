package models

import (
	"fmt"
	"strings"
)

// Period identifies a leaderboard window
type Period string

const (
	PeriodAllTime Period = "ALL_TIME"
	PeriodMonth   Period = "MONTH"
	PeriodWeek    Period = "WEEK"
)

// Periods lists every supported leaderboard window
var Periods = []Period{PeriodAllTime, PeriodMonth, PeriodWeek}

// ParsePeriod accepts the canonical names and their lower-case/kebab forms
func ParsePeriod(s string) (Period, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	p := Period(normalized)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown leaderboard period %q", s)
	}
	return p, nil
}

// IsValid returns true if the period is supported
func (p Period) IsValid() bool {
	switch p {
	case PeriodAllTime, PeriodMonth, PeriodWeek:
		return true
	}
	return false
}

// LeaderboardRow is a computed ranking line for one streamer
type LeaderboardRow struct {
	StreamerID  int64 `json:"streamerId"`
	TotalPoints int64 `json:"totalPoints"`
	Rank        int   `json:"rank"`
}

// RankingPolicy controls how ranks are assigned to ordered rows
type RankingPolicy struct {
	// Dense gives equal totals the same rank (1, 1, 2). When false every row
	// gets its own rank following the tie-break order.
	Dense bool
}
