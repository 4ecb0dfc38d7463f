package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/mailpipe/internal/domain"
)

const deadLetterColumns = `correlation_id, recipient, subject, body, attempt_count,
		       reason, error_message, payload, created_at, replayed_at`

type pgDeadLetterRepository struct {
	pool *pgxpool.Pool
}

// NewPgDeadLetterRepository returns a DeadLetterRepository backed by PostgreSQL.
func NewPgDeadLetterRepository(pool *pgxpool.Pool) DeadLetterRepository {
	return &pgDeadLetterRepository{pool: pool}
}

func (r *pgDeadLetterRepository) Record(ctx context.Context, d *domain.DeadLetter) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(correlation_id, recipient, subject, body, attempt_count,
			 reason, error_message, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (correlation_id) DO UPDATE SET
			recipient     = EXCLUDED.recipient,
			subject       = EXCLUDED.subject,
			body          = EXCLUDED.body,
			attempt_count = EXCLUDED.attempt_count,
			reason        = EXCLUDED.reason,
			error_message = EXCLUDED.error_message,
			payload       = EXCLUDED.payload,
			created_at    = EXCLUDED.created_at,
			replayed_at   = NULL`,
		d.CorrelationID, d.Recipient, d.Subject, d.Body, d.AttemptCount,
		d.Reason, d.Error, d.Payload, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

func (r *pgDeadLetterRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.DeadLetter, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters WHERE correlation_id = $1`, correlationID)

	d, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

func (r *pgDeadLetterRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.DeadLetter, int, error) {
	where := ""
	var args []any
	if f.Reason != nil {
		args = append(args, *f.Reason)
		where = " WHERE reason = $1"
	}
	offset := (f.Page - 1) * f.Limit

	// Count total matching rows for pagination metadata.
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM dead_letters"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	args = append(args, f.Limit, offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM dead_letters%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, deadLetterColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var result []*domain.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, d)
	}
	return result, total, rows.Err()
}

func (r *pgDeadLetterRepository) MarkReplayed(ctx context.Context, correlationID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dead_letters SET replayed_at = $1
		WHERE correlation_id = $2 AND replayed_at IS NULL`, at, correlationID)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: either the row is missing or it was already claimed.
	if _, err := r.GetByCorrelationID(ctx, correlationID); err != nil {
		return err
	}
	return domain.ErrAlreadyReplayed
}

func (r *pgDeadLetterRepository) UnmarkReplayed(ctx context.Context, correlationID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE dead_letters SET replayed_at = NULL WHERE correlation_id = $1`, correlationID)
	return err
}

// ---- helpers ----

// scanDeadLetter reads a single dead letter row from any pgx row type.
func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var d domain.DeadLetter
	err := row.Scan(
		&d.CorrelationID, &d.Recipient, &d.Subject, &d.Body, &d.AttemptCount,
		&d.Reason, &d.Error, &d.Payload, &d.CreatedAt, &d.ReplayedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
