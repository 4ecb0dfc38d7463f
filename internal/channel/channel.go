// Package channel defines the durable message channel the notification
// pipeline runs on, together with an in-process implementation.
//
// A MessageChannel is a named queue with publish and subscribe. Every
// Delivery handed to a Handler must be settled exactly once: acknowledged,
// requeued with a delay, or dead-lettered. Implementations guard this with
// SettleOnce and requeue any delivery a handler returns without settling.
package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrClosed         = errors.New("channel is closed")
	ErrFull           = errors.New("channel is at capacity")
	ErrAlreadySettled = errors.New("delivery already settled")
)

// Message is what a publisher hands to the channel.
// ID is the correlation id and becomes the broker message id.
type Message struct {
	ID   string
	Body []byte
}

// Delivery is one message handed to a subscriber.
type Delivery interface {
	ID() string
	Body() []byte
	// Redelivered reports whether the broker delivered this copy before
	// without it being settled.
	Redelivered() bool

	Ack(ctx context.Context) error
	// Requeue hands body back to the channel for redelivery after delay and
	// settles the current delivery.
	Requeue(ctx context.Context, body []byte, delay time.Duration) error
	// DeadLetter removes the delivery from normal processing, keeping it
	// for operator inspection.
	DeadLetter(ctx context.Context, reason string) error
}

// Handler processes one delivery. It is responsible for settling it.
type Handler func(ctx context.Context, d Delivery)

// Subscription is a live consumer on a channel.
type Subscription interface {
	// Done is closed once the subscription stopped delivering, either after
	// Close or because the broker went away.
	Done() <-chan struct{}
	// Close stops delivery and waits for in-flight handlers to return.
	Close(ctx context.Context) error
}

// MessageChannel is the broker abstraction shared by publisher and consumer.
type MessageChannel interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}

// SettleOnce makes the first settlement of a delivery win.
type SettleOnce struct {
	done atomic.Bool
}

// Claim returns ErrAlreadySettled if the delivery was settled before.
func (s *SettleOnce) Claim() error {
	if !s.done.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return nil
}

func (s *SettleOnce) Settled() bool { return s.done.Load() }
