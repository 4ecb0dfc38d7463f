package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/channel"
)

// Subscribe starts a consumer with its own AMQP channel. Deliveries are
// handled by Prefetch goroutines, so at most Prefetch messages are in
// flight at once.
func (b *Broker) Subscribe(ctx context.Context, h channel.Handler) (channel.Subscription, error) {
	if h == nil {
		return nil, errors.New("rabbitmq: nil handler")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := b.consumeChannel()
	if err != nil {
		return nil, err
	}

	tag := "mailpipe-" + uuid.NewString()
	deliveries, err := ch.Consume(b.opts.Queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", b.opts.Queue, err)
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		ch:     ch,
		tag:    tag,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    b.log.With(zap.String("queue", b.opts.Queue), zap.String("consumer_tag", tag)),
	}

	s.wg.Add(b.opts.Prefetch)
	for i := 0; i < b.opts.Prefetch; i++ {
		go s.run(hctx, deliveries, b, h)
	}
	go func() {
		s.wg.Wait()
		cancel()
		if !ch.IsClosed() {
			ch.Close()
		}
		close(s.done)
	}()

	s.log.Info("subscribed", zap.Int("prefetch", b.opts.Prefetch))
	return s, nil
}

type subscription struct {
	ch     *amqp.Channel
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	log    *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) Done() <-chan struct{} { return s.done }

// Close cancels the consumer. The broker stops sending and the buffered
// deliveries are still handled before Done closes.
func (s *subscription) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.ch.IsClosed() {
			return
		}
		if err := s.ch.Cancel(s.tag, false); err != nil {
			s.closeErr = fmt.Errorf("cancel consumer: %w", err)
			// Closing the channel ends the delivery stream so workers exit.
			s.ch.Close()
		}
	})

	select {
	case <-s.done:
		return s.closeErr
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *subscription) run(ctx context.Context, deliveries <-chan amqp.Delivery, st settler, h channel.Handler) {
	defer s.wg.Done()
	for raw := range deliveries {
		d := &delivery{raw: raw, st: st}
		h(ctx, d)

		// Unsettled deliveries go straight back to the queue.
		if d.guard.Claim() == nil {
			if err := raw.Nack(false, true); err != nil {
				s.log.Warn("requeue of unsettled delivery failed",
					zap.String("correlation_id", raw.MessageId), zap.Error(err))
			}
		}
	}
}

// settler is the broker side of settling a delivery.
type settler interface {
	requeue(ctx context.Context, id string, body []byte, delay time.Duration) error
	bury(ctx context.Context, id string, body []byte, reason string) error
}

type delivery struct {
	raw   amqp.Delivery
	st    settler
	guard channel.SettleOnce
}

func (d *delivery) ID() string        { return d.raw.MessageId }
func (d *delivery) Body() []byte      { return d.raw.Body }
func (d *delivery) Redelivered() bool { return d.raw.Redelivered }

func (d *delivery) Ack(context.Context) error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	return d.raw.Ack(false)
}

// Requeue republishes body to the retry queue and acks the original once the
// broker confirmed the copy. If the copy cannot be published the original is
// nacked back onto the queue with its old body.
func (d *delivery) Requeue(ctx context.Context, body []byte, delay time.Duration) error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	if err := d.st.requeue(ctx, d.raw.MessageId, body, delay); err != nil {
		if nerr := d.raw.Nack(false, true); nerr != nil {
			return errors.Join(err, nerr)
		}
		return fmt.Errorf("delayed requeue failed, redelivering immediately: %w", err)
	}
	return d.raw.Ack(false)
}

// DeadLetter copies the delivery into the dead queue with the reason in a
// header. If that publish fails, rejecting without requeue still routes the
// message there through the main queue's dead-letter exchange.
func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	if err := d.st.bury(ctx, d.raw.MessageId, d.raw.Body, reason); err != nil {
		if rerr := d.raw.Reject(false); rerr != nil {
			return errors.Join(err, rerr)
		}
		return nil
	}
	return d.raw.Ack(false)
}
