package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/mailpipe/internal/domain"
)

// MockDeadLetterRepository is a hand-written, in-memory implementation of
// DeadLetterRepository used in unit tests and broker-less local runs.
type MockDeadLetterRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.DeadLetter

	// Optional error overrides, set in tests to simulate failure paths.
	RecordErr error
	GetErr    error
	ListErr   error
}

func NewMockDeadLetterRepository() *MockDeadLetterRepository {
	return &MockDeadLetterRepository{records: make(map[string]*domain.DeadLetter)}
}

func (m *MockDeadLetterRepository) Record(_ context.Context, d *domain.DeadLetter) error {
	if m.RecordErr != nil {
		return m.RecordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *d
	clone.ReplayedAt = nil
	m.records[d.CorrelationID] = &clone
	return nil
}

func (m *MockDeadLetterRepository) GetByCorrelationID(_ context.Context, correlationID string) (*domain.DeadLetter, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.records[correlationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

// List orders newest first and applies the reason filter and paging the way
// the SQL implementation does.
func (m *MockDeadLetterRepository) List(_ context.Context, f domain.ListFilter) ([]*domain.DeadLetter, int, error) {
	if m.ListErr != nil {
		return nil, 0, m.ListErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*domain.DeadLetter, 0, len(m.records))
	for _, d := range m.records {
		if f.Reason != nil && d.Reason != *f.Reason {
			continue
		}
		clone := *d
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (f.Page - 1) * f.Limit
	if start < 0 || start >= total {
		return []*domain.DeadLetter{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MockDeadLetterRepository) MarkReplayed(_ context.Context, correlationID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[correlationID]
	if !ok {
		return domain.ErrNotFound
	}
	if d.ReplayedAt != nil {
		return domain.ErrAlreadyReplayed
	}
	d.ReplayedAt = &at
	return nil
}

func (m *MockDeadLetterRepository) UnmarkReplayed(_ context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.records[correlationID]; ok {
		d.ReplayedAt = nil
	}
	return nil
}

// Len reports how many records are stored.
func (m *MockDeadLetterRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// MockDeliveryLedger is an in-memory DeliveryLedger.
type MockDeliveryLedger struct {
	mu        sync.RWMutex
	delivered map[string]int

	DeliveredErr error
	MarkErr      error
}

func NewMockDeliveryLedger() *MockDeliveryLedger {
	return &MockDeliveryLedger{delivered: make(map[string]int)}
}

func (l *MockDeliveryLedger) Delivered(_ context.Context, correlationID string) (bool, error) {
	if l.DeliveredErr != nil {
		return false, l.DeliveredErr
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.delivered[correlationID]
	return ok, nil
}

func (l *MockDeliveryLedger) MarkDelivered(_ context.Context, correlationID string, attempts int, _ time.Time) error {
	if l.MarkErr != nil {
		return l.MarkErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.delivered[correlationID]; !ok {
		l.delivered[correlationID] = attempts
	}
	return nil
}

// Attempts returns the attempt count recorded for correlationID.
func (l *MockDeliveryLedger) Attempts(correlationID string) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.delivered[correlationID]
	return n, ok
}

var (
	_ DeadLetterRepository = (*MockDeadLetterRepository)(nil)
	_ DeliveryLedger       = (*MockDeliveryLedger)(nil)
)
