package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/domain"
	"github.com/notifyhub/mailpipe/internal/repository"
)

// Republisher puts an existing notification back on the channel.
type Republisher interface {
	Republish(ctx context.Context, msg domain.OutboundEmailMessage) error
}

// DeadLetterService exposes dead-lettered messages to operators and lets
// them replay one. HTTP handlers depend on this service, not on the
// repository.
type DeadLetterService struct {
	repo   repository.DeadLetterRepository
	pub    Republisher
	logger *zap.Logger
}

func NewDeadLetterService(repo repository.DeadLetterRepository, pub Republisher, logger *zap.Logger) *DeadLetterService {
	return &DeadLetterService{repo: repo, pub: pub, logger: logger}
}

func (s *DeadLetterService) List(ctx context.Context, filter domain.ListFilter) ([]*domain.DeadLetter, int, error) {
	return s.repo.List(ctx, filter)
}

func (s *DeadLetterService) Get(ctx context.Context, correlationID string) (*domain.DeadLetter, error) {
	return s.repo.GetByCorrelationID(ctx, correlationID)
}

// Replay republishes a dead-lettered notification with its attempt count
// reset. The record is claimed first so two concurrent replays cannot both
// publish; the claim is released again if the channel rejects the message.
func (s *DeadLetterService) Replay(ctx context.Context, correlationID string) (*domain.DeadLetter, error) {
	d, err := s.repo.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if d.ReplayedAt != nil {
		return nil, domain.ErrAlreadyReplayed
	}
	if !d.Replayable() {
		return nil, domain.ErrNotReplayable
	}

	now := time.Now().UTC()
	if err := s.repo.MarkReplayed(ctx, correlationID, now); err != nil {
		return nil, err
	}

	if err := s.pub.Republish(ctx, d.Message()); err != nil {
		if uerr := s.repo.UnmarkReplayed(ctx, correlationID); uerr != nil {
			s.logger.Error("failed to release replay claim",
				zap.String("correlation_id", correlationID), zap.Error(uerr))
		}
		return nil, err
	}

	s.logger.Info("dead letter replayed",
		zap.String("correlation_id", correlationID),
		zap.String("reason", string(d.Reason)),
	)
	d.ReplayedAt = &now
	return d, nil
}
