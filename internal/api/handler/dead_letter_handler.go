package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/mailpipe/internal/api/middleware"
	"github.com/notifyhub/mailpipe/internal/domain"
	"github.com/notifyhub/mailpipe/internal/service"
)

// DeadLetterHandler lets operators inspect and replay dead-lettered
// notifications.
type DeadLetterHandler struct {
	svc    *service.DeadLetterService
	logger *zap.Logger
}

func NewDeadLetterHandler(svc *service.DeadLetterService, logger *zap.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{svc: svc, logger: logger}
}

// List handles GET /api/v1/dead-letters
//
// @Summary  List dead letters, newest first
// @Tags     dead-letters
// @Produce  json
// @Param    reason  query     string  false  "malformed, permanent_failure or retries_exhausted"
// @Param    page    query     int     false  "Page number (default 1)"
// @Param    limit   query     int     false  "Items per page (default 20, max 100)"
// @Success  200     {object}  map[string]any
// @Failure  422     {object}  map[string]string
// @Router   /api/v1/dead-letters [get]
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseListFilter(r)
	if !ok {
		respondError(w, http.StatusUnprocessableEntity, "invalid reason")
		return
	}

	items, total, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list dead letters failed",
			zap.String("request_id", apimw.GetRequestID(r.Context())),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// Get handles GET /api/v1/dead-letters/{correlation_id}
//
// @Summary  Get a dead letter
// @Tags     dead-letters
// @Produce  json
// @Param    correlation_id  path      string  true  "Correlation ID"
// @Success  200             {object}  domain.DeadLetter
// @Failure  404             {object}  map[string]string
// @Router   /api/v1/dead-letters/{correlation_id} [get]
func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "correlation_id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// Replay handles POST /api/v1/dead-letters/{correlation_id}/replay
//
// @Summary  Publish a dead letter again with its attempt count reset
// @Tags     dead-letters
// @Produce  json
// @Param    correlation_id  path      string  true  "Correlation ID"
// @Success  202             {object}  domain.DeadLetter
// @Failure  404             {object}  map[string]string
// @Failure  409             {object}  map[string]string
// @Failure  422             {object}  map[string]string
// @Failure  503             {object}  map[string]string
// @Router   /api/v1/dead-letters/{correlation_id}/replay [post]
func (h *DeadLetterHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlation_id")
	d, err := h.svc.Replay(r.Context(), id)
	if err != nil {
		h.logger.Warn("replay failed",
			zap.String("request_id", apimw.GetRequestID(r.Context())),
			zap.String("correlation_id", id),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, d)
}

func parseListFilter(r *http.Request) (domain.ListFilter, bool) {
	q := r.URL.Query()
	filter := domain.ListFilter{Page: 1, Limit: 20}

	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if s := q.Get("reason"); s != "" {
		reason := domain.DeadLetterReason(s)
		if !reason.IsValid() {
			return filter, false
		}
		filter.Reason = &reason
	}
	return filter, true
}
