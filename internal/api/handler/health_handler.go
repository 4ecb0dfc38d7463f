package handler

import "net/http"

// ConsumerStatus is the read-only view of the consumer the API needs.
type ConsumerStatus interface {
	QueueName() string
	Listening() bool
}

// HealthHandler serves the liveness probe and the consumer status.
type HealthHandler struct {
	consumer ConsumerStatus
}

func NewHealthHandler(consumer ConsumerStatus) *HealthHandler {
	return &HealthHandler{consumer: consumer}
}

// Health handles GET /health
//
// @Summary  Liveness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Consumer handles GET /api/v1/consumer
//
// A consumer that is not listening is reported, not treated as unhealthy:
// the scheduler resubscribes on its next tick.
//
// @Summary  Consumer subscription status
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/consumer [get]
func (h *HealthHandler) Consumer(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"queue":     h.consumer.QueueName(),
		"listening": h.consumer.Listening(),
	})
}
