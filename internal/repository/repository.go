package repository

import (
	"context"
	"time"

	"github.com/notifyhub/mailpipe/internal/domain"
)

// DeadLetterRepository stores messages that left the channel undelivered.
// The pgx implementation is in pg_dead_letter_repo.go.
// Tests use a hand-written mock (mock_repo.go).
type DeadLetterRepository interface {
	// Record stores d. Recording the same correlation id again replaces the
	// earlier record and clears its replay mark.
	Record(ctx context.Context, d *domain.DeadLetter) error
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.DeadLetter, error)
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.DeadLetter, int, error)

	// MarkReplayed claims the record for replay. It fails with
	// ErrAlreadyReplayed if another replay claimed it first.
	MarkReplayed(ctx context.Context, correlationID string, at time.Time) error
	// UnmarkReplayed releases a claim whose republish failed.
	UnmarkReplayed(ctx context.Context, correlationID string) error
}

// DeliveryLedger remembers which correlation ids the relay has accepted, so
// a broker redelivery of an already-sent message is not sent twice.
type DeliveryLedger interface {
	Delivered(ctx context.Context, correlationID string) (bool, error)
	MarkDelivered(ctx context.Context, correlationID string, attempts int, at time.Time) error
}
