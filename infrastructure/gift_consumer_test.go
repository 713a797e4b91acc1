package infrastructure

import (
	"context"
	"testing"
	"time"

	"heartledger/models"
	"heartledger/service"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func giftMessage() *GiftSentMessage {
	return &GiftSentMessage{
		GiftID:     "g-100",
		SenderID:   "fan-1",
		StreamerID: 9,
		Amount:     40,
		SentAt:     time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestGiftDrafts(t *testing.T) {
	drafts := GiftDrafts(giftMessage())
	require.Len(t, drafts, 2)

	send, receive := drafts[0], drafts[1]

	assert.Equal(t, models.EntryKindGiftSend, send.Kind)
	assert.Equal(t, int64(-40), send.Amount)
	assert.Equal(t, "gift:g-100:send", send.IdempotencyKey)

	assert.Equal(t, models.EntryKindGiftReceive, receive.Kind)
	assert.Equal(t, int64(40), receive.Amount)
	assert.Equal(t, "gift:g-100:receive", receive.IdempotencyKey)
	require.NotNil(t, receive.StreamerID)
	assert.Equal(t, int64(9), *receive.StreamerID)

	for _, d := range drafts {
		assert.NoError(t, service.ValidateDraft(d))
		require.NotNil(t, d.OccurredAt)
		assert.True(t, d.OccurredAt.Equal(giftMessage().SentAt))
	}
}

func TestGiftConsumer_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("appends both halves", func(t *testing.T) {
		ledger := new(service.MockLedgerService)
		ledger.On("Append", ctx, mock.Anything).Return(&models.LedgerEntry{ID: 1}, nil).Twice()

		consumer := NewGiftConsumer(ledger, nil)
		require.NoError(t, consumer.Handle(ctx, giftMessage()))
		ledger.AssertNumberOfCalls(t, "Append", 2)
	})

	t.Run("redelivery is benign", func(t *testing.T) {
		ledger := new(service.MockLedgerService)
		ledger.On("Append", ctx, mock.Anything).Return(&models.LedgerEntry{ID: 1}, service.ErrDuplicateIdempotencyKey)

		consumer := NewGiftConsumer(ledger, nil)
		assert.NoError(t, consumer.Handle(ctx, giftMessage()))
	})

	t.Run("store unavailable asks for redelivery", func(t *testing.T) {
		ledger := new(service.MockLedgerService)
		ledger.On("Append", ctx, mock.Anything).Return(nil, service.ErrStoreUnavailable).Once()

		consumer := NewGiftConsumer(ledger, nil)
		err := consumer.Handle(ctx, giftMessage())
		assert.ErrorIs(t, err, service.ErrStoreUnavailable)
		ledger.AssertNumberOfCalls(t, "Append", 1)
	})

	t.Run("rejected entries are dropped", func(t *testing.T) {
		ledger := new(service.MockLedgerService)
		ledger.On("Append", ctx, mock.Anything).Return(nil, service.ErrIdempotencyKeyReused)

		consumer := NewGiftConsumer(ledger, nil)
		assert.NoError(t, consumer.Handle(ctx, giftMessage()))
	})

	t.Run("invalid message never reaches the ledger", func(t *testing.T) {
		ledger := new(service.MockLedgerService)
		consumer := NewGiftConsumer(ledger, nil)

		bad := giftMessage()
		bad.Amount = 0
		assert.NoError(t, consumer.Handle(ctx, bad))

		bad = giftMessage()
		bad.SenderID = ""
		assert.NoError(t, consumer.Handle(ctx, bad))

		ledger.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	})
}

func TestGiftConsumer_HandleMessage(t *testing.T) {
	ledger := new(service.MockLedgerService)
	ledger.On("Append", mock.Anything, mock.Anything).Return(&models.LedgerEntry{ID: 1}, nil)
	consumer := NewGiftConsumer(ledger, nil)

	data, err := json.Marshal(giftMessage())
	require.NoError(t, err)
	require.NoError(t, consumer.HandleMessage(data))
	ledger.AssertNumberOfCalls(t, "Append", 2)

	assert.NoError(t, consumer.HandleMessage([]byte("{")))
	ledger.AssertNumberOfCalls(t, "Append", 2)
}

func TestGiftConsumer_StartRequiresConnection(t *testing.T) {
	consumer := NewGiftConsumer(new(service.MockLedgerService), nil)
	err := consumer.Start(NewNATSClient("nats://127.0.0.1:1", "test"))
	assert.ErrorContains(t, err, "not connected")
}

func TestNATSClient_HealthyRequiresConnection(t *testing.T) {
	client := NewNATSClient("nats://127.0.0.1:1", "test")
	assert.False(t, client.IsConnected())
	assert.ErrorIs(t, client.Healthy(context.Background()), ErrNATSDisconnected)
}
