package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"heartledger/database"
	"heartledger/models"

	"github.com/jackc/pgx/v5"
)

const dailyClaimColumns = `user_id, claim_date, granted_amount, ledger_entry_id, created_at`

// DailyClaimRepository implements the DailyClaimRepository interface
type DailyClaimRepository struct {
	q queryable
}

// NewDailyClaimRepository creates a daily claim repository on the connection pool
func NewDailyClaimRepository(db *database.DB) *DailyClaimRepository {
	return &DailyClaimRepository{q: db.Pool}
}

// newDailyClaimRepositoryWithTx creates a daily claim repository bound to a transaction
func newDailyClaimRepositoryWithTx(tx queryable) *DailyClaimRepository {
	return &DailyClaimRepository{q: tx}
}

// Reserve inserts the claim record. The primary key on (user_id, claim_date)
// makes concurrent reservations race in the database; exactly one wins.
func (r *DailyClaimRepository) Reserve(ctx context.Context, userID string, claimDate time.Time) (bool, error) {
	query := `
		INSERT INTO daily_claims (user_id, claim_date, granted_amount)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id, claim_date) DO NOTHING
	`

	tag, err := r.q.Exec(ctx, query, userID, dateOnly(claimDate))
	if err != nil {
		return false, fmt.Errorf("failed to reserve daily claim for user %s on %s: %w",
			userID, claimDate.Format(models.ClaimDateLayout), storeError(err))
	}
	return tag.RowsAffected() == 1, nil
}

// SetGrantedAmount records the reward decided for a reserved claim
func (r *DailyClaimRepository) SetGrantedAmount(ctx context.Context, userID string, claimDate time.Time, amount int64) error {
	query := `
		UPDATE daily_claims
		SET granted_amount = $3
		WHERE user_id = $1 AND claim_date = $2 AND ledger_entry_id IS NULL
	`

	tag, err := r.q.Exec(ctx, query, userID, dateOnly(claimDate), amount)
	if err != nil {
		return fmt.Errorf("failed to set granted amount for user %s: %w", userID, storeError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no unsettled daily claim for user %s on %s", userID, claimDate.Format(models.ClaimDateLayout))
	}
	return nil
}

// Get returns the claim record, or nil if none exists
func (r *DailyClaimRepository) Get(ctx context.Context, userID string, claimDate time.Time) (*models.DailyClaimRecord, error) {
	query := `SELECT ` + dailyClaimColumns + ` FROM daily_claims WHERE user_id = $1 AND claim_date = $2`
	return r.getOne(ctx, query, userID, claimDate)
}

// GetForUpdate returns the claim record with a row lock held until the
// transaction ends
func (r *DailyClaimRepository) GetForUpdate(ctx context.Context, userID string, claimDate time.Time) (*models.DailyClaimRecord, error) {
	query := `SELECT ` + dailyClaimColumns + ` FROM daily_claims WHERE user_id = $1 AND claim_date = $2 FOR UPDATE`
	return r.getOne(ctx, query, userID, claimDate)
}

func (r *DailyClaimRepository) getOne(ctx context.Context, query, userID string, claimDate time.Time) (*models.DailyClaimRecord, error) {
	record, err := scanDailyClaim(r.q.QueryRow(ctx, query, userID, dateOnly(claimDate)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily claim for user %s: %w", userID, storeError(err))
	}
	return record, nil
}

// LinkLedgerEntry points the claim record at its paired ledger entry
func (r *DailyClaimRepository) LinkLedgerEntry(ctx context.Context, userID string, claimDate time.Time, entryID int64) error {
	query := `
		UPDATE daily_claims
		SET ledger_entry_id = $3
		WHERE user_id = $1 AND claim_date = $2
		  AND (ledger_entry_id IS NULL OR ledger_entry_id = $3)
	`

	tag, err := r.q.Exec(ctx, query, userID, dateOnly(claimDate), entryID)
	if err != nil {
		return fmt.Errorf("failed to link ledger entry %d to daily claim of user %s: %w", entryID, userID, storeError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("daily claim for user %s on %s missing or linked to another entry",
			userID, claimDate.Format(models.ClaimDateLayout))
	}
	return nil
}

// DeleteUnsettled removes the record only while it has no ledger entry
func (r *DailyClaimRepository) DeleteUnsettled(ctx context.Context, userID string, claimDate time.Time) (bool, error) {
	query := `
		DELETE FROM daily_claims
		WHERE user_id = $1 AND claim_date = $2 AND ledger_entry_id IS NULL
	`

	tag, err := r.q.Exec(ctx, query, userID, dateOnly(claimDate))
	if err != nil {
		return false, fmt.Errorf("failed to delete unsettled daily claim for user %s: %w", userID, storeError(err))
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnsettledBefore returns records still missing a ledger entry that were
// created before the cutoff, oldest first
func (r *DailyClaimRepository) ListUnsettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.DailyClaimRecord, error) {
	query := `
		SELECT ` + dailyClaimColumns + `
		FROM daily_claims
		WHERE ledger_entry_id IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled daily claims: %w", storeError(err))
	}
	defer rows.Close()

	var records []*models.DailyClaimRecord
	for rows.Next() {
		record, err := scanDailyClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily claim: %w", storeError(err))
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily claims: %w", storeError(err))
	}

	return records, nil
}

// ListSettledDates returns the user's settled claim dates before the given
// date, newest first
func (r *DailyClaimRepository) ListSettledDates(ctx context.Context, userID string, before time.Time, limit int) ([]time.Time, error) {
	query := `
		SELECT claim_date
		FROM daily_claims
		WHERE user_id = $1 AND claim_date < $2 AND ledger_entry_id IS NOT NULL
		ORDER BY claim_date DESC
		LIMIT $3
	`

	rows, err := r.q.Query(ctx, query, userID, dateOnly(before), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list claim dates for user %s: %w", userID, storeError(err))
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan claim date: %w", storeError(err))
		}
		dates = append(dates, dateOnly(d))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claim dates: %w", storeError(err))
	}

	return dates, nil
}

func scanDailyClaim(row pgx.Row) (*models.DailyClaimRecord, error) {
	var record models.DailyClaimRecord
	err := row.Scan(
		&record.UserID,
		&record.ClaimDate,
		&record.GrantedAmount,
		&record.LedgerEntryID,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.ClaimDate = dateOnly(record.ClaimDate)
	record.CreatedAt = record.CreatedAt.UTC()
	return &record, nil
}

// dateOnly keeps the calendar date and drops the clock and zone. The result is
// midnight UTC, which pgx encodes to a DATE without shifting the day.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
