package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/api"
	"github.com/notifyhub/mailpipe/internal/domain"
	"github.com/notifyhub/mailpipe/internal/repository"
	"github.com/notifyhub/mailpipe/internal/service"
)

type stubConsumer struct{ listening bool }

func (s stubConsumer) QueueName() string { return "email_notifications" }
func (s stubConsumer) Listening() bool   { return s.listening }

type stubRepublisher struct {
	err  error
	sent []domain.OutboundEmailMessage
}

func (s *stubRepublisher) Republish(_ context.Context, msg domain.OutboundEmailMessage) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newServer(t *testing.T) (*httptest.Server, *repository.MockDeadLetterRepository, *stubRepublisher) {
	t.Helper()
	repo := repository.NewMockDeadLetterRepository()
	pub := &stubRepublisher{}
	svc := service.NewDeadLetterService(repo, pub, zap.NewNop())

	srv := httptest.NewServer(api.NewRouter(svc, stubConsumer{listening: true}, prometheus.NewRegistry(), zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, repo, pub
}

func record(t *testing.T, repo *repository.MockDeadLetterRepository, id string, reason domain.DeadLetterReason) {
	t.Helper()
	require.NoError(t, repo.Record(context.Background(), &domain.DeadLetter{
		CorrelationID: id, Recipient: "a@x.com", Subject: "S", Body: "B",
		AttemptCount: 6, Reason: reason, CreatedAt: time.Now().UTC(),
	}))
}

func do(t *testing.T, method, url string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealthAndConsumer(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/consumer")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "email_notifications", body["queue"])
	assert.Equal(t, true, body["listening"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _, _ := newServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestDeadLetters_ListAndGet(t *testing.T) {
	srv, repo, _ := newServer(t)
	record(t, repo, "c-1", domain.ReasonRetriesExhausted)
	record(t, repo, "c-2", domain.ReasonPermanentFailure)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/dead-letters")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/dead-letters?reason=permanent_failure")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/dead-letters?reason=bogus")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/dead-letters/c-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c-1", body["correlation_id"])
	assert.Equal(t, "retries_exhausted", body["reason"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/dead-letters/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeadLetters_Replay(t *testing.T) {
	srv, repo, pub := newServer(t)
	record(t, repo, "c-1", domain.ReasonRetriesExhausted)
	record(t, repo, "m-1", domain.ReasonMalformed)
	record(t, repo, "c-3", domain.ReasonPermanentFailure)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/dead-letters/c-1/replay")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotNil(t, body["replayed_at"])
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "c-1", pub.sent[0].CorrelationID)
	assert.Equal(t, 0, pub.sent[0].AttemptCount)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/dead-letters/c-1/replay")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/dead-letters/m-1/replay")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/dead-letters/missing/replay")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	pub.err = domain.ErrChannelUnavailable
	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/dead-letters/c-3/replay")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, domain.ErrChannelUnavailable.Error(), body["error"])
}
