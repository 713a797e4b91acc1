package service

import (
	"fmt"
	"time"

	"heartledger/models"
)

// Clock returns the current instant. Injected so tests can pin "now".
type Clock func() time.Time

// ClaimDate returns the calendar date of now in the reference zone, as
// midnight UTC carrying that date
func ClaimDate(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfDay returns local midnight of t's date in loc
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// WindowStart returns the inclusive lower bound of the period window that
// contains asOf:
//   - ALL_TIME: the Unix epoch
//   - MONTH: the first instant of asOf's month in loc
//   - WEEK: the most recent Monday 00:00 in loc at or before asOf
func WindowStart(period models.Period, asOf time.Time, loc *time.Location) (time.Time, error) {
	switch period {
	case models.PeriodAllTime:
		return time.Unix(0, 0).UTC(), nil
	case models.PeriodMonth:
		local := asOf.In(loc)
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).UTC(), nil
	case models.PeriodWeek:
		day := StartOfDay(asOf, loc)
		// Monday is day 0
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
}
