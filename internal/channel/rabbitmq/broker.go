// Package rabbitmq implements channel.MessageChannel on a RabbitMQ queue.
//
// Publishing uses publisher confirms, so Publish returns only after the
// broker has taken responsibility for the message. Delayed requeue goes
// through per-delay TTL queues that dead-letter back into the main queue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/channel"
)

// ErrNacked is returned when the broker refuses a publish.
var ErrNacked = errors.New("rabbitmq: publish not confirmed by broker")

const reasonHeader = "x-mailpipe-reason"

// Options configures a Broker.
type Options struct {
	URL            string
	Queue          string
	Prefetch       int
	DialTimeout    time.Duration
	Heartbeat      time.Duration
	PublishTimeout time.Duration
}

// Broker owns one AMQP connection. Publishing happens on a shared
// confirm-mode channel; every subscription gets a channel of its own.
// A dropped connection is re-dialled on the next call that needs it.
type Broker struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	pub     *amqp.Channel
	retries map[int64]string
	closed  bool
}

// Dial connects to the broker and declares the queue topology.
func Dial(opts Options, log *zap.Logger) (*Broker, error) {
	if opts.Queue == "" {
		return nil, errors.New("rabbitmq: queue name is required")
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	b := &Broker{opts: opts, log: log, retries: make(map[int64]string)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.publishChannelLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) Name() string { return b.opts.Queue }

// Publish sends msg to the main queue and waits for the broker's confirm.
func (b *Broker) Publish(ctx context.Context, msg channel.Message) error {
	return b.publish(ctx, b.opts.Queue, newPublishing(msg.ID, msg.Body))
}

// Close shuts the connection down. Subscriptions still open see their
// delivery stream end.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.pub = nil
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

func newPublishing(id string, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     id,
		CorrelationId: id,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}
}

func (b *Broker) publish(ctx context.Context, key string, p amqp.Publishing) error {
	b.mu.Lock()
	ch, err := b.publishChannelLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", key, false, false, p)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm from %s: %w", key, err)
	}
	if !ok {
		return ErrNacked
	}
	return nil
}

// requeue parks body in the retry queue for delay. A non-positive delay
// publishes straight back to the main queue.
func (b *Broker) requeue(ctx context.Context, id string, body []byte, delay time.Duration) error {
	key := b.opts.Queue
	if delay > 0 {
		var err error
		if key, err = b.retryQueue(delay); err != nil {
			return err
		}
	}
	return b.publish(ctx, key, newPublishing(id, body))
}

func (b *Broker) bury(ctx context.Context, id string, body []byte, reason string) error {
	p := newPublishing(id, body)
	p.Headers = amqp.Table{reasonHeader: reason}
	return b.publish(ctx, DeadQueueName(b.opts.Queue), p)
}

func (b *Broker) retryQueue(delay time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ms := delayMillis(delay)
	if name, ok := b.retries[ms]; ok {
		return name, nil
	}
	ch, err := b.publishChannelLocked()
	if err != nil {
		return "", err
	}
	name, err := declareRetryQueue(ch, b.opts.Queue, delay)
	if err != nil {
		return "", err
	}
	b.retries[ms] = name
	return name, nil
}

// connLocked returns a live connection, dialling if needed.
// Callers must hold b.mu.
func (b *Broker) connLocked() (*amqp.Connection, error) {
	if b.closed {
		return nil, channel.ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	conn, err := amqp.DialConfig(b.opts.URL, amqp.Config{
		Heartbeat: b.opts.Heartbeat,
		Dial:      amqp.DefaultDial(b.opts.DialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := declareTopology(ch, b.opts.Queue); err != nil {
		conn.Close()
		return nil, err
	}

	if b.conn != nil {
		b.log.Info("rabbitmq reconnected", zap.String("queue", b.opts.Queue))
	}
	b.conn = conn
	b.pub = nil
	b.retries = make(map[int64]string)
	return conn, nil
}

// publishChannelLocked returns the confirm-mode publishing channel.
// Callers must hold b.mu.
func (b *Broker) publishChannelLocked() (*amqp.Channel, error) {
	conn, err := b.connLocked()
	if err != nil {
		return nil, err
	}
	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.pub = ch
	return ch, nil
}

func (b *Broker) consumeChannel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.connLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(b.opts.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return ch, nil
}

var _ channel.MessageChannel = (*Broker)(nil)
