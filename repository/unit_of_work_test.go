package repository

import (
	"context"
	"sync/atomic"
	"testing"

	"heartledger/events"
	"heartledger/repository/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitOfWork_CommitAndRollback(t *testing.T) {
	testDB := testutil.SetupTestDatabase(t)
	bus := events.NewBus()
	factory := NewUnitOfWorkFactory(testDB.DB, bus)
	ctx := context.Background()

	var delivered atomic.Int32
	bus.Subscribe(events.EventTypeLedgerEntryAppended, func(ctx context.Context, e events.Event) {
		delivered.Add(1)
	})

	t.Run("commit persists and flushes events", func(t *testing.T) {
		uow := factory.Create()
		require.NoError(t, uow.Begin(ctx))
		defer uow.Rollback()

		entry, created, err := uow.LedgerRepository().Insert(ctx, testutil.DailyGrantDraft("u1", testutil.Date(2025, 1, 1), 10))
		require.NoError(t, err)
		require.True(t, created)
		uow.EventBus().Publish(events.LedgerEntryAppendedEvent{EntryID: entry.ID, UserID: entry.UserID})

		require.NoError(t, uow.Commit())
		bus.Wait()

		assert.Equal(t, int32(1), delivered.Load())
		stored, err := NewLedgerRepository(testDB.DB).GetByID(ctx, entry.ID)
		require.NoError(t, err)
		assert.NotNil(t, stored)
	})

	t.Run("rollback discards writes and events", func(t *testing.T) {
		delivered.Store(0)

		uow := factory.Create()
		require.NoError(t, uow.Begin(ctx))

		draft := testutil.DailyGrantDraft("u1", testutil.Date(2025, 1, 2), 10)
		_, _, err := uow.LedgerRepository().Insert(ctx, draft)
		require.NoError(t, err)
		uow.EventBus().Publish(events.LedgerEntryAppendedEvent{UserID: "u1"})

		require.NoError(t, uow.Rollback())
		bus.Wait()

		assert.Zero(t, delivered.Load())
		stored, err := NewLedgerRepository(testDB.DB).GetByIdempotencyKey(ctx, draft.IdempotencyKey)
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("begin twice fails", func(t *testing.T) {
		uow := factory.Create()
		require.NoError(t, uow.Begin(ctx))
		defer uow.Rollback()

		assert.Error(t, uow.Begin(ctx))
	})

	t.Run("repositories require begin", func(t *testing.T) {
		uow := factory.Create()
		assert.Panics(t, func() { uow.LedgerRepository() })
		assert.NoError(t, uow.Rollback())
	})
}
