package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/channel"
	"github.com/notifyhub/mailpipe/internal/domain"
	"github.com/notifyhub/mailpipe/internal/service"
)

func newPublisher(t *testing.T, opts ...channel.MemoryOption) (*service.NotificationPublisher, *channel.MemoryChannel, *atomic.Int64, *atomic.Int64) {
	t.Helper()
	ch := channel.NewMemory("emails", opts...)
	t.Cleanup(func() { ch.Close() })

	var published, failed atomic.Int64
	pub := service.NewNotificationPublisher(ch, zap.NewNop(), service.PublisherHooks{
		OnPublished: func() { published.Add(1) },
		OnFailed:    func() { failed.Add(1) },
	})
	return pub, ch, &published, &failed
}

// drain subscribes and collects every message currently in ch.
func drain(t *testing.T, ch *channel.MemoryChannel, want int) []domain.OutboundEmailMessage {
	t.Helper()
	out := make(chan domain.OutboundEmailMessage, want)
	sub, err := ch.Subscribe(context.Background(), func(ctx context.Context, d channel.Delivery) {
		m, err := domain.DecodeMessage(d.Body())
		if err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = d.Ack(ctx)
		out <- m
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close(context.Background())

	msgs := make([]domain.OutboundEmailMessage, 0, want)
	for len(msgs) < want {
		select {
		case m := <-out:
			msgs = append(msgs, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", len(msgs), want)
		}
	}
	return msgs
}

func TestNotificationPublisher_Publish(t *testing.T) {
	pub, ch, published, _ := newPublisher(t)

	id, err := pub.Publish(context.Background(), "a@x.com", "S", "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a correlation id")
	}

	msgs := drain(t, ch, 1)
	want := domain.OutboundEmailMessage{Recipient: "a@x.com", Subject: "S", Body: "B", CorrelationID: id}
	if msgs[0] != want {
		t.Fatalf("got %+v, want %+v", msgs[0], want)
	}
	if published.Load() != 1 {
		t.Fatalf("expected published hook once, got %d", published.Load())
	}
}

// TestNotificationPublisher_DistinctIDs verifies that identical content
// published three times yields three independent notifications.
func TestNotificationPublisher_DistinctIDs(t *testing.T) {
	pub, ch, _, _ := newPublisher(t)
	ctx := context.Background()

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		id, err := pub.Publish(ctx, "a@x.com", "S", "B")
		if err != nil {
			t.Fatal(err)
		}
		ids[id] = true
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 distinct ids, got %d", len(ids))
	}

	for _, m := range drain(t, ch, 3) {
		if !ids[m.CorrelationID] {
			t.Fatalf("unexpected correlation id %q on channel", m.CorrelationID)
		}
		if m.AttemptCount != 0 {
			t.Fatalf("new message must start at attempt 0, got %d", m.AttemptCount)
		}
	}
}

func TestNotificationPublisher_ChannelUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*channel.MemoryChannel)
		want  error
	}{
		{"closed", func(ch *channel.MemoryChannel) { ch.Close() }, channel.ErrClosed},
		{"full", func(ch *channel.MemoryChannel) {
			_ = ch.Publish(context.Background(), channel.Message{ID: "x", Body: []byte(`{}`)})
		}, channel.ErrFull},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pub, ch, _, failed := newPublisher(t, channel.WithCapacity(1))
			tc.setup(ch)

			id, err := pub.Publish(context.Background(), "a@x.com", "S", "B")
			if !errors.Is(err, domain.ErrChannelUnavailable) {
				t.Fatalf("expected ErrChannelUnavailable, got %v", err)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected cause %v, got %v", tc.want, err)
			}
			if id != "" {
				t.Fatalf("expected no id on failure, got %q", id)
			}
			if failed.Load() != 1 {
				t.Fatalf("expected failed hook once, got %d", failed.Load())
			}
		})
	}
}

func TestNotificationPublisher_ConcurrentPublish(t *testing.T) {
	pub, ch, published, _ := newPublisher(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pub.Publish(ctx, "a@x.com", "S", "B"); err != nil {
				t.Errorf("publish: %v", err)
			}
		}()
	}
	wg.Wait()

	if published.Load() != n || ch.Pending() != n {
		t.Fatalf("expected %d published and pending, got %d and %d", n, published.Load(), ch.Pending())
	}
}

func TestNotificationPublisher_Republish(t *testing.T) {
	pub, ch, _, _ := newPublisher(t)

	msg := domain.OutboundEmailMessage{Recipient: "a@x.com", Subject: "S", Body: "B", CorrelationID: "c-7"}
	if err := pub.Republish(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if got := drain(t, ch, 1)[0]; got != msg {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}
