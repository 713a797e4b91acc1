package service

import (
	"context"
	"sync"
	"time"

	"heartledger/events"
	"heartledger/models"

	"github.com/stretchr/testify/mock"
)

// MockLedgerRepository is a mock implementation of LedgerRepository
type MockLedgerRepository struct {
	mock.Mock
}

func (m *MockLedgerRepository) Insert(ctx context.Context, draft *models.LedgerEntryDraft) (*models.LedgerEntry, bool, error) {
	args := m.Called(ctx, draft)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.LedgerEntry), args.Bool(1), args.Error(2)
}

func (m *MockLedgerRepository) GetByID(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockLedgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockLedgerRepository) ListByUser(ctx context.Context, query models.HistoryQuery) ([]*models.LedgerEntry, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.LedgerEntry), args.Error(1)
}

func (m *MockLedgerRepository) SumByStreamerInRange(ctx context.Context, kinds []models.EntryKind, from, to time.Time, streamerIDs []int64) (map[int64]int64, error) {
	args := m.Called(ctx, kinds, from, to, streamerIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int64]int64), args.Error(1)
}

func (m *MockLedgerRepository) SumByUser(ctx context.Context, userID string, kinds []models.EntryKind) (int64, error) {
	args := m.Called(ctx, userID, kinds)
	return args.Get(0).(int64), args.Error(1)
}

// MockDailyClaimRepository is a mock implementation of DailyClaimRepository
type MockDailyClaimRepository struct {
	mock.Mock
}

func (m *MockDailyClaimRepository) Reserve(ctx context.Context, userID string, claimDate time.Time) (bool, error) {
	args := m.Called(ctx, userID, claimDate)
	return args.Bool(0), args.Error(1)
}

func (m *MockDailyClaimRepository) SetGrantedAmount(ctx context.Context, userID string, claimDate time.Time, amount int64) error {
	args := m.Called(ctx, userID, claimDate, amount)
	return args.Error(0)
}

func (m *MockDailyClaimRepository) Get(ctx context.Context, userID string, claimDate time.Time) (*models.DailyClaimRecord, error) {
	args := m.Called(ctx, userID, claimDate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DailyClaimRecord), args.Error(1)
}

func (m *MockDailyClaimRepository) GetForUpdate(ctx context.Context, userID string, claimDate time.Time) (*models.DailyClaimRecord, error) {
	args := m.Called(ctx, userID, claimDate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DailyClaimRecord), args.Error(1)
}

func (m *MockDailyClaimRepository) LinkLedgerEntry(ctx context.Context, userID string, claimDate time.Time, entryID int64) error {
	args := m.Called(ctx, userID, claimDate, entryID)
	return args.Error(0)
}

func (m *MockDailyClaimRepository) DeleteUnsettled(ctx context.Context, userID string, claimDate time.Time) (bool, error) {
	args := m.Called(ctx, userID, claimDate)
	return args.Bool(0), args.Error(1)
}

func (m *MockDailyClaimRepository) ListUnsettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.DailyClaimRecord, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.DailyClaimRecord), args.Error(1)
}

func (m *MockDailyClaimRepository) ListSettledDates(ctx context.Context, userID string, before time.Time, limit int) ([]time.Time, error) {
	args := m.Called(ctx, userID, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]time.Time), args.Error(1)
}

// MockEventPublisher records published events
type MockEventPublisher struct {
	mu     sync.Mutex
	Events []events.Event
}

func (m *MockEventPublisher) Publish(event events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
}

// Published returns a copy of the recorded events
func (m *MockEventPublisher) Published() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Event, len(m.Events))
	copy(out, m.Events)
	return out
}

// MockUnitOfWork is a mock implementation of UnitOfWork
type MockUnitOfWork struct {
	mock.Mock
	ledgerRepo     LedgerRepository
	dailyClaimRepo DailyClaimRepository
	eventBus       *MockEventPublisher
}

// SetRepositories wires the repositories returned by the getters
func (m *MockUnitOfWork) SetRepositories(ledger LedgerRepository, claims DailyClaimRepository) {
	m.ledgerRepo = ledger
	m.dailyClaimRepo = claims
}

func (m *MockUnitOfWork) Begin(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockUnitOfWork) Commit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockUnitOfWork) Rollback() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockUnitOfWork) LedgerRepository() LedgerRepository {
	return m.ledgerRepo
}

func (m *MockUnitOfWork) DailyClaimRepository() DailyClaimRepository {
	return m.dailyClaimRepo
}

func (m *MockUnitOfWork) EventBus() EventPublisher {
	if m.eventBus == nil {
		m.eventBus = &MockEventPublisher{}
	}
	return m.eventBus
}

// PublishedEvents returns the events published through this unit of work
func (m *MockUnitOfWork) PublishedEvents() []events.Event {
	if m.eventBus == nil {
		return nil
	}
	return m.eventBus.Published()
}

// MockUnitOfWorkFactory is a mock implementation of UnitOfWorkFactory
type MockUnitOfWorkFactory struct {
	mock.Mock
}

func (m *MockUnitOfWorkFactory) Create() UnitOfWork {
	args := m.Called()
	return args.Get(0).(UnitOfWork)
}
