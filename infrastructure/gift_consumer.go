package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"heartledger/models"
	"heartledger/service"

	"github.com/goccy/go-json"
	"github.com/gookit/validate"
	log "github.com/sirupsen/logrus"
)

// GiftConsumerGroup is the queue group every instance joins for gifts
const GiftConsumerGroup = "heartledger-gifts"

// GiftSentMessage is published by the gift flow for every heart gift
type GiftSentMessage struct {
	GiftID     string    `json:"giftId" validate:"required|maxLen:128"`
	SenderID   string    `json:"senderId" validate:"required|maxLen:128"`
	StreamerID int64     `json:"streamerId" validate:"required|min:1"`
	Amount     int64     `json:"amount" validate:"required|min:1"`
	SentAt     time.Time `json:"sentAt"`
}

// EntryAppender stores ledger entries
type EntryAppender interface {
	Append(ctx context.Context, draft *models.LedgerEntryDraft) (*models.LedgerEntry, error)
}

// GiftConsumer turns gift messages into the sender's debit and the
// streamer's credit. Both keys derive from the gift id, so a redelivered
// message completes whichever half is missing.
type GiftConsumer struct {
	ledger  EntryAppender
	metrics EventMetrics
}

// NewGiftConsumer creates a consumer appending through ledger
func NewGiftConsumer(ledger EntryAppender, metrics EventMetrics) *GiftConsumer {
	if metrics == nil {
		metrics = noopEventMetrics{}
	}
	return &GiftConsumer{ledger: ledger, metrics: metrics}
}

// Start joins the shared consumer group for gift messages
func (c *GiftConsumer) Start(client *NATSClient) error {
	if err := client.EnsureStream(GiftStream, []string{SubjectGiftSent}, "Heart gifts sent to streamers"); err != nil {
		return err
	}
	durable, err := client.EnsureQueueConsumer(GiftStream, SubjectGiftSent, GiftConsumerGroup)
	if err != nil {
		return err
	}
	return client.QueueSubscribe(GiftStream, durable, SubjectGiftSent, GiftConsumerGroup, c.HandleMessage)
}

// HandleMessage is the NATS handler. Only store-unavailable failures are
// returned, which asks for redelivery.
func (c *GiftConsumer) HandleMessage(data []byte) error {
	c.metrics.NATSMessageReceived(SubjectGiftSent)

	var msg GiftSentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.WithError(err).Error("Failed to unmarshal gift message")
		return nil
	}

	return c.Handle(context.Background(), &msg)
}

// Handle appends both entries for one gift
func (c *GiftConsumer) Handle(ctx context.Context, msg *GiftSentMessage) error {
	logger := log.WithFields(log.Fields{
		"giftId":     msg.GiftID,
		"senderId":   msg.SenderID,
		"streamerId": msg.StreamerID,
	})

	v := validate.Struct(msg)
	if !v.Validate() {
		logger.WithField("errors", v.Errors.Error()).Warn("Dropping invalid gift message")
		return nil
	}

	for _, draft := range GiftDrafts(msg) {
		_, err := c.ledger.Append(ctx, draft)
		switch {
		case err == nil, errors.Is(err, service.ErrDuplicateIdempotencyKey):
		case errors.Is(err, service.ErrStoreUnavailable):
			return fmt.Errorf("failed to append %s for gift %s: %w", draft.Kind, msg.GiftID, err)
		default:
			logger.WithFields(log.Fields{
				"kind":  draft.Kind,
				"error": err,
			}).Error("Gift entry rejected")
		}
	}

	logger.WithField("amount", msg.Amount).Debug("Gift recorded")
	return nil
}

// GiftDrafts returns the GIFT_SEND debit and GIFT_RECEIVE credit for a gift.
// The credit is recorded under the sender and attributed to the streamer.
func GiftDrafts(msg *GiftSentMessage) []*models.LedgerEntryDraft {
	streamerID := msg.StreamerID

	var occurred *time.Time
	if !msg.SentAt.IsZero() {
		at := msg.SentAt.UTC()
		occurred = &at
	}

	return []*models.LedgerEntryDraft{
		{
			UserID:         msg.SenderID,
			StreamerID:     &streamerID,
			Amount:         -msg.Amount,
			Kind:           models.EntryKindGiftSend,
			IdempotencyKey: fmt.Sprintf("gift:%s:send", msg.GiftID),
			OccurredAt:     occurred,
		},
		{
			UserID:         msg.SenderID,
			StreamerID:     &streamerID,
			Amount:         msg.Amount,
			Kind:           models.EntryKindGiftReceive,
			IdempotencyKey: fmt.Sprintf("gift:%s:receive", msg.GiftID),
			OccurredAt:     occurred,
		},
	}
}
