package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"heartledger/events"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// EventEnvelope wraps a domain event on the wire
type EventEnvelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceService string          `json:"sourceService"`
	Payload       json.RawMessage `json:"payload"`
}

// EventMetrics counts bridged messages
type EventMetrics interface {
	NATSMessagePublished(eventType string)
	NATSMessageReceived(eventType string)
}

type noopEventMetrics struct{}

func (noopEventMetrics) NATSMessagePublished(string) {}
func (noopEventMetrics) NATSMessageReceived(string)  {}

// NATSEventBridge forwards committed local events to NATS and hands events
// published by other instances to remote handlers
type NATSEventBridge struct {
	publisher     MessagePublisher
	subjectMapper *EventSubjectMapper
	instanceID    string
	metrics       EventMetrics

	mu             sync.RWMutex
	remoteHandlers map[events.EventType][]events.Handler
}

// NewNATSEventBridge creates a bridge that tags outgoing envelopes with instanceID
func NewNATSEventBridge(publisher MessagePublisher, subjectMapper *EventSubjectMapper, instanceID string, metrics EventMetrics) *NATSEventBridge {
	if metrics == nil {
		metrics = noopEventMetrics{}
	}
	return &NATSEventBridge{
		publisher:      publisher,
		subjectMapper:  subjectMapper,
		instanceID:     instanceID,
		metrics:        metrics,
		remoteHandlers: make(map[events.EventType][]events.Handler),
	}
}

// AttachTo subscribes the bridge to every bridged event type on the local bus
func (b *NATSEventBridge) AttachTo(bus *events.Bus) {
	bus.Subscribe(events.EventTypeLedgerEntryAppended, b.Forward)
	bus.Subscribe(events.EventTypeDailyClaimGranted, b.Forward)
}

// Forward is a local bus handler publishing the event to NATS. Events that
// arrived from another instance are not forwarded again.
func (b *NATSEventBridge) Forward(ctx context.Context, event events.Event) {
	if appended, ok := event.(events.LedgerEntryAppendedEvent); ok && appended.Origin != "" && appended.Origin != b.instanceID {
		return
	}

	if err := b.publish(ctx, event); err != nil {
		log.WithFields(log.Fields{
			"eventType": event.Type(),
			"error":     err,
		}).Error("Failed to forward event to NATS")
	}
}

func (b *NATSEventBridge) publish(ctx context.Context, event events.Event) error {
	subject := b.subjectMapper.MapEventToSubject(event)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	envelope := &EventEnvelope{
		EventID:       uuid.New().String(),
		EventType:     string(event.Type()),
		Timestamp:     time.Now().UTC(),
		SourceService: b.instanceID,
		Payload:       payload,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	if err := b.publisher.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish event to NATS: %w", err)
	}

	b.metrics.NATSMessagePublished(string(event.Type()))
	log.WithFields(log.Fields{
		"eventType": event.Type(),
		"eventId":   envelope.EventID,
		"subject":   subject,
	}).Debug("Published event to NATS")

	return nil
}

// OnRemote registers a handler for events of the given type published by
// other instances
func (b *NATSEventBridge) OnRemote(eventType events.EventType, handler events.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remoteHandlers[eventType] = append(b.remoteHandlers[eventType], handler)
	log.WithFields(log.Fields{
		"eventType":    eventType,
		"handlerCount": len(b.remoteHandlers[eventType]),
	}).Info("Registered remote event handler")
}

// Start subscribes this instance to every subject that has remote handlers
func (b *NATSEventBridge) Start(subscriber MessageSubscriber) error {
	b.mu.RLock()
	types := make([]events.EventType, 0, len(b.remoteHandlers))
	for eventType := range b.remoteHandlers {
		types = append(types, eventType)
	}
	b.mu.RUnlock()

	for _, eventType := range types {
		subject := b.subjectMapper.SubjectFor(eventType)
		if err := subscriber.Subscribe(subject, b.HandleMessage); err != nil {
			return err
		}
	}
	return nil
}

// HandleMessage decodes an envelope and runs the remote handlers for it.
// Envelopes published by this instance are skipped.
func (b *NATSEventBridge) HandleMessage(data []byte) error {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.WithError(err).Error("Failed to unmarshal event envelope")
		// Redelivery cannot fix a malformed envelope
		return nil
	}

	if envelope.SourceService == b.instanceID {
		return nil
	}

	eventType := events.EventType(envelope.EventType)
	b.metrics.NATSMessageReceived(envelope.EventType)

	event, err := b.subjectMapper.DecodeEvent(eventType, envelope.Payload)
	if err != nil {
		log.WithFields(log.Fields{
			"eventType":   eventType,
			"eventId":     envelope.EventID,
			"payloadSize": len(envelope.Payload),
			"error":       err,
		}).Error("Failed to deserialize event payload")
		return nil
	}

	b.mu.RLock()
	handlers := append([]events.Handler(nil), b.remoteHandlers[eventType]...)
	b.mu.RUnlock()

	ctx := context.Background()
	for _, handler := range handlers {
		handler(ctx, event)
	}

	log.WithFields(log.Fields{
		"eventType": eventType,
		"eventId":   envelope.EventID,
		"source":    envelope.SourceService,
	}).Debug("Processed remote event")

	return nil
}

// EnsureStream creates the domain event stream
func (b *NATSEventBridge) EnsureStream(client *NATSClient) error {
	return client.EnsureStream(DomainEventStream, b.subjectMapper.GetAllSubjects(), "Heart ledger domain events")
}
