package infrastructure

import (
	"fmt"

	"heartledger/events"

	"github.com/goccy/go-json"
)

// Subjects
const (
	SubjectLedgerEntryAppended = "ledger.entry_appended"
	SubjectDailyClaimGranted   = "claims.daily_granted"
	SubjectGiftSent            = "gifts.sent"
)

// Streams
const (
	DomainEventStream = "heartledger_events"
	GiftStream        = "gifts"
)

// EventSubjectMapper handles mapping between domain events and NATS subjects
type EventSubjectMapper struct{}

// NewEventSubjectMapper creates a new event subject mapper
func NewEventSubjectMapper() *EventSubjectMapper {
	return &EventSubjectMapper{}
}

// MapEventToSubject converts a domain event to its corresponding NATS subject
func (m *EventSubjectMapper) MapEventToSubject(event events.Event) string {
	return m.SubjectFor(event.Type())
}

// SubjectFor returns the subject an event type is published on
func (m *EventSubjectMapper) SubjectFor(eventType events.EventType) string {
	switch eventType {
	case events.EventTypeLedgerEntryAppended:
		return SubjectLedgerEntryAppended
	case events.EventTypeDailyClaimGranted:
		return SubjectDailyClaimGranted
	default:
		return fmt.Sprintf("unknown.%s", eventType)
	}
}

// MapSubjectToEventType converts a NATS subject back to an event type
func (m *EventSubjectMapper) MapSubjectToEventType(subject string) events.EventType {
	switch subject {
	case SubjectLedgerEntryAppended:
		return events.EventTypeLedgerEntryAppended
	case SubjectDailyClaimGranted:
		return events.EventTypeDailyClaimGranted
	default:
		return events.EventType(subject)
	}
}

// GetAllSubjects returns all subjects that this service publishes to
func (m *EventSubjectMapper) GetAllSubjects() []string {
	return []string{
		SubjectLedgerEntryAppended,
		SubjectDailyClaimGranted,
	}
}

// DecodeEvent deserializes a payload into the event type's struct
func (m *EventSubjectMapper) DecodeEvent(eventType events.EventType, payload []byte) (events.Event, error) {
	switch eventType {
	case events.EventTypeLedgerEntryAppended:
		var e events.LedgerEntryAppendedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case events.EventTypeDailyClaimGranted:
		var e events.DailyClaimGrantedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}
