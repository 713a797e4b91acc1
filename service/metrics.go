package service

import "heartledger/models"

// NoopMetrics discards every observation
type NoopMetrics struct{}

func (NoopMetrics) ClaimOutcome(string) {}

func (NoopMetrics) LedgerAppend(models.EntryKind, string) {}

func (NoopMetrics) LeaderboardCacheLookup(models.Period, bool) {}
