package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMemoryCapacity = 1024
	defaultMemoryWorkers  = 1
)

// DeadMessage is a message the memory channel dead-lettered.
type DeadMessage struct {
	Message
	Reason string
	At     time.Time
}

// MemoryChannel is an in-process MessageChannel backed by a buffered Go
// channel. Nothing survives a restart, so it is meant for tests and local
// runs without a broker.
//
// Publish is non-blocking: a full buffer returns ErrFull immediately rather
// than stalling the caller.
type MemoryChannel struct {
	name    string
	queue   chan envelope
	workers int

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
	subs   map[*memorySubscription]struct{}
	dead   []DeadMessage

	closing       chan struct{}
	acked         atomic.Int64
	subscriptions atomic.Int64
}

type envelope struct {
	msg         Message
	redelivered bool
}

// MemoryOption configures a MemoryChannel.
type MemoryOption func(*MemoryChannel)

// WithCapacity sets how many undelivered messages the channel buffers.
func WithCapacity(n int) MemoryOption {
	return func(c *MemoryChannel) {
		if n > 0 {
			c.queue = make(chan envelope, n)
		}
	}
}

// WithWorkers sets how many deliveries a subscription handles concurrently.
func WithWorkers(n int) MemoryOption {
	return func(c *MemoryChannel) {
		if n > 0 {
			c.workers = n
		}
	}
}

func NewMemory(name string, opts ...MemoryOption) *MemoryChannel {
	c := &MemoryChannel{
		name:    name,
		queue:   make(chan envelope, defaultMemoryCapacity),
		workers: defaultMemoryWorkers,
		timers:  make(map[*time.Timer]struct{}),
		subs:    make(map[*memorySubscription]struct{}),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryChannel) Name() string { return c.name }

func (c *MemoryChannel) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}

	env := envelope{msg: Message{ID: msg.ID, Body: append([]byte(nil), msg.Body...)}}
	select {
	case c.queue <- env:
		return nil
	default:
		return ErrFull
	}
}

func (c *MemoryChannel) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.New("channel: nil handler")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	// The subscription outlives the call that created it.
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &memorySubscription{
		c:      c,
		h:      h,
		ctx:    hctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.subs[s] = struct{}{}
	c.subscriptions.Add(1)

	s.wg.Add(c.workers)
	for i := 0; i < c.workers; i++ {
		go s.run()
	}
	go func() {
		s.wg.Wait()
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
		cancel()
		close(s.done)
	}()

	return s, nil
}

// DropSubscriptions stops every live subscription without closing the
// channel, the way a broker connection loss would.
func (c *MemoryChannel) DropSubscriptions() {
	c.mu.Lock()
	subs := make([]*memorySubscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.halt()
	}
}

// Close stops pending delayed requeues and ends all subscriptions.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	close(c.closing)
	return nil
}

// ActiveSubscriptions is the number of subscriptions currently delivering.
func (c *MemoryChannel) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// SubscriptionsCreated counts every successful Subscribe call.
func (c *MemoryChannel) SubscriptionsCreated() int64 { return c.subscriptions.Load() }

// Acked counts acknowledged deliveries.
func (c *MemoryChannel) Acked() int64 { return c.acked.Load() }

// Pending counts messages waiting for delivery, including delayed requeues.
func (c *MemoryChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) + len(c.timers)
}

// DeadLetters returns a copy of everything dead-lettered so far.
func (c *MemoryChannel) DeadLetters() []DeadMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeadMessage, len(c.dead))
	copy(out, c.dead)
	return out
}

func (c *MemoryChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// schedule puts env back on the queue after delay.
func (c *MemoryChannel) schedule(env envelope, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if delay <= 0 {
		go c.redeliver(env)
		return nil
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, t)
		c.mu.Unlock()
		c.redeliver(env)
	})
	c.timers[t] = struct{}{}
	return nil
}

// redeliver blocks until env fits in the buffer or the channel closes.
func (c *MemoryChannel) redeliver(env envelope) {
	select {
	case c.queue <- env:
	case <-c.closing:
	}
}

func (c *MemoryChannel) deadLetter(msg Message, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = append(c.dead, DeadMessage{Message: msg, Reason: reason, At: time.Now().UTC()})
}

type memorySubscription struct {
	c      *MemoryChannel
	h      Handler
	ctx    context.Context
	cancel context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func (s *memorySubscription) Done() <-chan struct{} { return s.done }

func (s *memorySubscription) Close(ctx context.Context) error {
	s.halt()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		// Abort in-flight handlers that outlived the drain deadline.
		s.cancel()
		return ctx.Err()
	}
}

func (s *memorySubscription) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *memorySubscription) run() {
	defer s.wg.Done()
	for {
		// A halted subscription takes no new work even if the queue is ready.
		select {
		case <-s.stop:
			return
		case <-s.c.closing:
			return
		default:
		}

		select {
		case <-s.stop:
			return
		case <-s.c.closing:
			return
		case env := <-s.c.queue:
			s.dispatch(env)
		}
	}
}

func (s *memorySubscription) dispatch(env envelope) {
	d := &memoryDelivery{c: s.c, env: env}
	s.h(s.ctx, d)

	if d.guard.Claim() == nil {
		env.redelivered = true
		go s.c.redeliver(env)
	}
}

type memoryDelivery struct {
	c     *MemoryChannel
	env   envelope
	guard SettleOnce
}

func (d *memoryDelivery) ID() string        { return d.env.msg.ID }
func (d *memoryDelivery) Body() []byte      { return d.env.msg.Body }
func (d *memoryDelivery) Redelivered() bool { return d.env.redelivered }

func (d *memoryDelivery) Ack(context.Context) error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	d.c.acked.Add(1)
	return nil
}

func (d *memoryDelivery) Requeue(_ context.Context, body []byte, delay time.Duration) error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	env := envelope{msg: Message{ID: d.env.msg.ID, Body: append([]byte(nil), body...)}}
	return d.c.schedule(env, delay)
}

func (d *memoryDelivery) DeadLetter(_ context.Context, reason string) error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	d.c.deadLetter(d.env.msg, reason)
	return nil
}

var _ MessageChannel = (*MemoryChannel)(nil)
