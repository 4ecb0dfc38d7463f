package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/channel"
	"github.com/notifyhub/mailpipe/internal/domain"
)

// PublisherHooks are metric callbacks; nil fields are no-ops.
type PublisherHooks struct {
	OnPublished func()
	OnFailed    func()
}

// NotificationPublisher turns a notification request into an
// OutboundEmailMessage on the message channel. It returns once the channel
// has accepted the message and never waits for delivery.
type NotificationPublisher struct {
	ch     channel.MessageChannel
	logger *zap.Logger
	hooks  PublisherHooks
}

func NewNotificationPublisher(ch channel.MessageChannel, logger *zap.Logger, hooks PublisherHooks) *NotificationPublisher {
	if hooks.OnPublished == nil {
		hooks.OnPublished = func() {}
	}
	if hooks.OnFailed == nil {
		hooks.OnFailed = func() {}
	}
	return &NotificationPublisher{ch: ch, logger: logger, hooks: hooks}
}

// Publish assigns a fresh correlation id and hands the message to the
// channel. The only error a caller can see wraps ErrChannelUnavailable; the
// publisher does not retry.
//
// Content is not validated here. A message the consumer cannot decode is
// dead-lettered there, so a bad request never turns into a publish error.
func (p *NotificationPublisher) Publish(ctx context.Context, recipient, subject, body string) (string, error) {
	msg := domain.OutboundEmailMessage{
		Recipient:     recipient,
		Subject:       subject,
		Body:          body,
		CorrelationID: uuid.NewString(),
	}
	if err := p.publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.CorrelationID, nil
}

// Republish puts an existing logical notification back on the channel.
// The correlation id is kept so the ledger still recognises it.
func (p *NotificationPublisher) Republish(ctx context.Context, msg domain.OutboundEmailMessage) error {
	return p.publish(ctx, msg)
}

func (p *NotificationPublisher) publish(ctx context.Context, msg domain.OutboundEmailMessage) error {
	log := p.logger.With(
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("queue", p.ch.Name()),
	)

	payload, err := msg.Encode()
	if err != nil {
		p.hooks.OnFailed()
		return fmt.Errorf("%w: %w", domain.ErrChannelUnavailable, err)
	}

	if err := p.ch.Publish(ctx, channel.Message{ID: msg.CorrelationID, Body: payload}); err != nil {
		p.hooks.OnFailed()
		log.Warn("publish rejected by channel", zap.Error(err))
		return fmt.Errorf("%w: %w", domain.ErrChannelUnavailable, err)
	}

	p.hooks.OnPublished()
	log.Debug("notification published", zap.Int("attempt", msg.AttemptCount))
	return nil
}
