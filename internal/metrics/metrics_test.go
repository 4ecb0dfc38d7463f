package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/notifyhub/mailpipe/internal/domain"
	"github.com/notifyhub/mailpipe/internal/metrics"
)

func TestConsumerHooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := m.ConsumerHooks()

	h.OnSent(20 * time.Millisecond)
	h.OnRetry(1)
	h.OnRetry(2)
	h.OnDeadLetter(domain.ReasonPermanentFailure)
	h.OnDuplicate()
	h.OnListening(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Delivered))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retried))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLettered.WithLabelValues("permanent_failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumerListening))

	h.OnListening(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConsumerListening))
}

func TestPublisherHooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := m.PublisherHooks()

	h.OnPublished()
	h.OnPublished()
	h.OnFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Published))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures))
}
