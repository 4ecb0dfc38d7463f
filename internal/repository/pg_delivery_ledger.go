package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgDeliveryLedger struct {
	pool *pgxpool.Pool
}

// NewPgDeliveryLedger returns a DeliveryLedger backed by PostgreSQL.
func NewPgDeliveryLedger(pool *pgxpool.Pool) DeliveryLedger {
	return &pgDeliveryLedger{pool: pool}
}

func (l *pgDeliveryLedger) Delivered(ctx context.Context, correlationID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deliveries WHERE correlation_id = $1)`, correlationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup delivery: %w", err)
	}
	return exists, nil
}

// MarkDelivered is a no-op for a correlation id that is already recorded.
func (l *pgDeliveryLedger) MarkDelivered(ctx context.Context, correlationID string, attempts int, at time.Time) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO deliveries (correlation_id, attempt_count, delivered_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (correlation_id) DO NOTHING`, correlationID, attempts, at)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}
