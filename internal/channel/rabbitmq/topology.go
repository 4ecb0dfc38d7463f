package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue layout for a channel named q:
//
//	q              main queue, dead-letters into q.dead
//	q.dead         parked messages for operators
//	q.retry.<ms>   holding queue per delay; expired messages go back to q
//
// Retry queues are declared lazily the first time a delay is used. They have
// no x-expires: a publish does not count as queue use, so an expiring retry
// queue could drop messages still waiting out their TTL.

// DeadQueueName is the queue dead-lettered messages end up in.
func DeadQueueName(queue string) string {
	return queue + ".dead"
}

// RetryQueueName is the holding queue for messages requeued with delay.
func RetryQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.retry.%d", queue, delayMillis(delay))
}

func delayMillis(delay time.Duration) int64 {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func mainQueueArgs(queue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadQueueName(queue),
	}
}

func retryQueueArgs(queue string, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             delayMillis(delay),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
}

// declareTopology creates the main and dead queues. Declaring is idempotent
// as long as the arguments match what already exists on the broker.
func declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(DeadQueueName(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead queue: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, mainQueueArgs(queue)); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

func declareRetryQueue(ch *amqp.Channel, queue string, delay time.Duration) (string, error) {
	name := RetryQueueName(queue, delay)
	if _, err := ch.QueueDeclare(name, true, false, false, false, retryQueueArgs(queue, delay)); err != nil {
		return "", fmt.Errorf("declare retry queue %s: %w", name, err)
	}
	return name, nil
}
