package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/channel"
	"github.com/notifyhub/mailpipe/internal/domain"
	"github.com/notifyhub/mailpipe/internal/ratelimiter"
	"github.com/notifyhub/mailpipe/internal/relay"
	"github.com/notifyhub/mailpipe/internal/repository"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the consumer constructor signature clean.
type MetricHooks struct {
	OnSent       func(latency time.Duration)
	OnFailed     func(outcome domain.DeliveryOutcome, latency time.Duration)
	OnRetry      func(attempt int)
	OnDeadLetter func(reason domain.DeadLetterReason)
	OnDuplicate  func()
	OnListening  func(listening bool)
}

func (h *MetricHooks) fill() {
	if h.OnSent == nil {
		h.OnSent = func(time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.DeliveryOutcome, time.Duration) {}
	}
	if h.OnRetry == nil {
		h.OnRetry = func(int) {}
	}
	if h.OnDeadLetter == nil {
		h.OnDeadLetter = func(domain.DeadLetterReason) {}
	}
	if h.OnDuplicate == nil {
		h.OnDuplicate = func() {}
	}
	if h.OnListening == nil {
		h.OnListening = func(bool) {}
	}
}

type activeSubscription struct {
	sub channel.Subscription
}

// NotificationConsumer drains the message channel into the mail relay.
//
// EnsureListening may be called any number of times from any goroutine;
// a compare-and-swap on the listening flag makes sure at most one
// subscription exists. When the channel drops the subscription the flag is
// cleared again so the next call resubscribes.
type NotificationConsumer struct {
	ch          channel.MessageChannel
	relay       relay.Sender
	deadLetters repository.DeadLetterRepository
	ledger      repository.DeliveryLedger
	limiter     *ratelimiter.RelayLimiter
	policy      RetryPolicy
	sendTimeout time.Duration
	logger      *zap.Logger
	hooks       MetricHooks

	listening atomic.Bool
	closed    atomic.Bool
	current   atomic.Pointer[activeSubscription]
}

func NewNotificationConsumer(
	ch channel.MessageChannel,
	sender relay.Sender,
	deadLetters repository.DeadLetterRepository,
	ledger repository.DeliveryLedger,
	limiter *ratelimiter.RelayLimiter,
	policy RetryPolicy,
	sendTimeout time.Duration,
	logger *zap.Logger,
	hooks MetricHooks,
) *NotificationConsumer {
	hooks.fill()
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &NotificationConsumer{
		ch: ch, relay: sender, deadLetters: deadLetters, ledger: ledger,
		limiter: limiter, policy: policy, sendTimeout: sendTimeout,
		logger: logger.With(zap.String("queue", ch.Name())),
		hooks:  hooks,
	}
}

// EnsureListening subscribes to the channel unless a subscription is
// already active. It returns quickly either way; messages are handled on
// the channel's delivery goroutines.
func (c *NotificationConsumer) EnsureListening(ctx context.Context) error {
	if c.closed.Load() {
		return domain.ErrConsumerClosed
	}
	if !c.listening.CompareAndSwap(false, true) {
		return nil
	}

	sub, err := c.ch.Subscribe(ctx, c.handle)
	if err != nil {
		c.listening.Store(false)
		return fmt.Errorf("%w: subscribe to %s: %w", domain.ErrChannelUnavailable, c.ch.Name(), err)
	}

	active := &activeSubscription{sub: sub}
	c.current.Store(active)

	// Close ran while we were subscribing and saw nothing to stop.
	if c.closed.Load() {
		if c.current.CompareAndSwap(active, nil) {
			_ = sub.Close(context.Background())
		}
		return domain.ErrConsumerClosed
	}

	c.hooks.OnListening(true)
	c.logger.Info("consumer listening")
	go c.watch(active)
	return nil
}

// Listening reports whether a subscription is active.
func (c *NotificationConsumer) Listening() bool {
	return c.listening.Load()
}

// QueueName is the name of the channel the consumer drains.
func (c *NotificationConsumer) QueueName() string {
	return c.ch.Name()
}

// Close stops the subscription and waits for in-flight handlers until ctx
// expires. The consumer cannot be restarted afterwards.
func (c *NotificationConsumer) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	active := c.current.Swap(nil)
	if active == nil {
		return nil
	}

	err := active.sub.Close(ctx)
	c.listening.Store(false)
	c.hooks.OnListening(false)
	c.logger.Info("consumer stopped")
	return err
}

// watch clears the listening flag when the channel ends a subscription the
// consumer did not close itself.
func (c *NotificationConsumer) watch(active *activeSubscription) {
	<-active.sub.Done()
	if !c.current.CompareAndSwap(active, nil) {
		return
	}
	c.listening.Store(false)
	c.hooks.OnListening(false)
	c.logger.Warn("subscription lost, resubscribing on next trigger")
}

// handle processes one delivery and settles it exactly once.
func (c *NotificationConsumer) handle(ctx context.Context, d channel.Delivery) {
	// Settlement must happen even if the handler context is being cancelled.
	sctx := context.WithoutCancel(ctx)

	msg, err := domain.DecodeMessage(d.Body())
	if err != nil {
		c.logger.Warn("malformed message", zap.String("message_id", d.ID()), zap.Error(err))
		c.deadLetter(sctx, d, nil, domain.ReasonMalformed, err)
		return
	}

	log := c.logger.With(
		zap.String("correlation_id", msg.CorrelationID),
		zap.Int("attempt", msg.AttemptCount),
	)

	if c.alreadyDelivered(sctx, msg.CorrelationID, log) {
		c.hooks.OnDuplicate()
		log.Info("already delivered, acknowledging redelivery")
		c.settle(log, "ack", d.Ack(sctx))
		return
	}

	if err := c.limiter.Wait(ctx); err != nil {
		// Shutting down: give the message back untouched.
		c.settle(log, "requeue", d.Requeue(sctx, d.Body(), 0))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	start := time.Now()
	outcome, sendErr := c.relay.Send(sendCtx, msg)
	latency := time.Since(start)
	cancel()

	switch outcome {
	case domain.OutcomeSuccess:
		c.hooks.OnSent(latency)
		if err := c.ledger.MarkDelivered(sctx, msg.CorrelationID, msg.AttemptCount, time.Now().UTC()); err != nil {
			log.Warn("failed to record delivery", zap.Error(err))
		}
		c.settle(log, "ack", d.Ack(sctx))
		log.Info("notification delivered", zap.Duration("latency", latency))

	case domain.OutcomePermanentFailure:
		c.hooks.OnFailed(outcome, latency)
		log.Warn("permanent delivery failure", zap.Error(sendErr))
		c.deadLetter(sctx, d, &msg, domain.ReasonPermanentFailure, sendErr)

	default:
		c.hooks.OnFailed(outcome, latency)
		c.retry(sctx, d, msg, sendErr, log)
	}
}

func (c *NotificationConsumer) retry(ctx context.Context, d channel.Delivery, msg domain.OutboundEmailMessage, cause error, log *zap.Logger) {
	next := msg.NextAttempt()
	if !c.policy.ShouldRetry(next.AttemptCount) {
		log.Warn("retries exhausted", zap.Int("attempts", next.AttemptCount), zap.Error(cause))
		c.deadLetter(ctx, d, &next, domain.ReasonRetriesExhausted, cause)
		return
	}

	payload, err := next.Encode()
	if err != nil {
		c.deadLetter(ctx, d, &next, domain.ReasonRetriesExhausted, err)
		return
	}

	delay := c.policy.Delay(next.AttemptCount)
	c.hooks.OnRetry(next.AttemptCount)
	log.Info("transient delivery failure, requeued",
		zap.Int("next_attempt", next.AttemptCount),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	c.settle(log, "requeue", d.Requeue(ctx, payload, delay))
}

// deadLetter records the message for operators and removes it from the
// channel. A failed record is logged; the message is dead-lettered anyway.
func (c *NotificationConsumer) deadLetter(ctx context.Context, d channel.Delivery, msg *domain.OutboundEmailMessage, reason domain.DeadLetterReason, cause error) {
	rec := &domain.DeadLetter{
		CorrelationID: d.ID(),
		Reason:        reason,
		Payload:       d.Body(),
		CreatedAt:     time.Now().UTC(),
	}
	if msg != nil {
		rec.CorrelationID = msg.CorrelationID
		rec.Recipient = msg.Recipient
		rec.Subject = msg.Subject
		rec.Body = msg.Body
		rec.AttemptCount = msg.AttemptCount
	}
	if rec.CorrelationID == "" {
		rec.CorrelationID = uuid.NewString()
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	log := c.logger.With(zap.String("correlation_id", rec.CorrelationID), zap.String("reason", string(reason)))
	if err := c.deadLetters.Record(ctx, rec); err != nil {
		log.Error("failed to record dead letter", zap.Error(err))
	}
	c.hooks.OnDeadLetter(reason)
	c.settle(log, "dead-letter", d.DeadLetter(ctx, string(reason)))
}

func (c *NotificationConsumer) alreadyDelivered(ctx context.Context, correlationID string, log *zap.Logger) bool {
	ok, err := c.ledger.Delivered(ctx, correlationID)
	if err != nil {
		// Sending twice beats never sending.
		log.Warn("delivery ledger lookup failed", zap.Error(err))
		return false
	}
	return ok
}

func (c *NotificationConsumer) settle(log *zap.Logger, op string, err error) {
	if err != nil {
		log.Error("failed to settle delivery", zap.String("op", op), zap.Error(err))
	}
}
