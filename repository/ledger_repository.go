package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"heartledger/database"
	"heartledger/models"

	"github.com/jackc/pgx/v5"
)

const ledgerColumns = `id, user_id, streamer_id, amount, kind, created_at, idempotency_key, corrects_entry_id`

// LedgerRepository implements the LedgerRepository interface
type LedgerRepository struct {
	q queryable
}

// NewLedgerRepository creates a ledger repository on the connection pool
func NewLedgerRepository(db *database.DB) *LedgerRepository {
	return &LedgerRepository{q: db.Pool}
}

// newLedgerRepositoryWithTx creates a ledger repository bound to a transaction
func newLedgerRepositoryWithTx(tx queryable) *LedgerRepository {
	return &LedgerRepository{q: tx}
}

// Insert appends the draft. When the idempotency key is already taken the
// stored entry is returned with created=false.
func (r *LedgerRepository) Insert(ctx context.Context, draft *models.LedgerEntryDraft) (*models.LedgerEntry, bool, error) {
	query := `
		INSERT INTO ledger_entries (user_id, streamer_id, amount, kind, created_at, idempotency_key, corrects_entry_id)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + ledgerColumns

	var occurredAt *time.Time
	if draft.OccurredAt != nil {
		t := draft.OccurredAt.UTC()
		occurredAt = &t
	}

	entry, err := scanLedgerEntry(r.q.QueryRow(ctx, query,
		draft.UserID,
		draft.StreamerID,
		draft.Amount,
		string(draft.Kind),
		occurredAt,
		draft.IdempotencyKey,
		draft.CorrectsEntryID,
	))
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert ledger entry %q: %w", draft.IdempotencyKey, storeError(err))
	}

	// Conflict: the key belongs to an entry committed by an earlier append
	existing, err := r.GetByIdempotencyKey(ctx, draft.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("ledger entry %q conflicted but could not be read back", draft.IdempotencyKey)
	}
	return existing, false, nil
}

// GetByID returns the entry with the given id, or nil if none exists
func (r *LedgerRepository) GetByID(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE id = $1`

	entry, err := scanLedgerEntry(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry %d: %w", id, storeError(err))
	}
	return entry, nil
}

// GetByIdempotencyKey returns the entry stored under the key, or nil
func (r *LedgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE idempotency_key = $1`

	entry, err := scanLedgerEntry(r.q.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry by key %q: %w", key, storeError(err))
	}
	return entry, nil
}

// ListByUser returns one page of a user's entries ordered by (created_at, id)
func (r *LedgerRepository) ListByUser(ctx context.Context, q models.HistoryQuery) ([]*models.LedgerEntry, error) {
	var (
		conditions = []string{"user_id = $1"}
		args       = []any{q.UserID}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !q.From.IsZero() {
		conditions = append(conditions, "created_at >= "+arg(q.From.UTC()))
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "created_at < "+arg(q.To.UTC()))
	}

	order := "ASC"
	cmp := ">"
	if q.Descending {
		order = "DESC"
		cmp = "<"
	}
	if q.After != nil {
		conditions = append(conditions, fmt.Sprintf("(created_at, id) %s (%s, %s)", cmp, arg(q.After.CreatedAt.UTC()), arg(q.After.ID)))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM ledger_entries
		WHERE %s
		ORDER BY created_at %s, id %s`,
		ledgerColumns, strings.Join(conditions, " AND "), order, order)
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for user %s: %w", q.UserID, storeError(err))
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", storeError(err))
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", storeError(err))
	}

	return entries, nil
}

// SumByStreamerInRange totals amounts per streamer with a single statement so
// the result reflects one snapshot. Entries without a streamer are excluded.
func (r *LedgerRepository) SumByStreamerInRange(ctx context.Context, kinds []models.EntryKind, from, to time.Time, streamerIDs []int64) (map[int64]int64, error) {
	query := `
		SELECT streamer_id, COALESCE(SUM(amount), 0)::BIGINT
		FROM ledger_entries
		WHERE streamer_id IS NOT NULL
		  AND kind = ANY($1)
		  AND created_at >= $2
		  AND created_at < $3
		  AND (cardinality($4::BIGINT[]) = 0 OR streamer_id = ANY($4))
		GROUP BY streamer_id
	`

	if streamerIDs == nil {
		streamerIDs = []int64{}
	}

	rows, err := r.q.Query(ctx, query, kindStrings(kinds), from.UTC(), to.UTC(), streamerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger entries by streamer: %w", storeError(err))
	}
	defer rows.Close()

	totals := make(map[int64]int64)
	for rows.Next() {
		var streamerID, total int64
		if err := rows.Scan(&streamerID, &total); err != nil {
			return nil, fmt.Errorf("failed to scan streamer total: %w", storeError(err))
		}
		totals[streamerID] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating streamer totals: %w", storeError(err))
	}

	return totals, nil
}

// SumByUser totals a user's amounts over the given kinds
func (r *LedgerRepository) SumByUser(ctx context.Context, userID string, kinds []models.EntryKind) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::BIGINT
		FROM ledger_entries
		WHERE user_id = $1 AND kind = ANY($2)
	`

	var total int64
	if err := r.q.QueryRow(ctx, query, userID, kindStrings(kinds)).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum ledger entries for user %s: %w", userID, storeError(err))
	}
	return total, nil
}

func scanLedgerEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var (
		entry models.LedgerEntry
		kind  string
	)
	err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.StreamerID,
		&entry.Amount,
		&kind,
		&entry.CreatedAt,
		&entry.IdempotencyKey,
		&entry.CorrectsEntryID,
	)
	if err != nil {
		return nil, err
	}
	entry.Kind = models.EntryKind(kind)
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}

func kindStrings(kinds []models.EntryKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
