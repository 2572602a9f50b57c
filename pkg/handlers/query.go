package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/history"
	"github.com/queryshield/pipeline-engine/pkg/pipeline"
	"github.com/queryshield/pipeline-engine/pkg/schema"
)

const maxQuestionLength = 4000

// QueryHandler exposes the question pipeline over HTTP.
type QueryHandler struct {
	orchestrator *pipeline.Orchestrator
	recorder     *history.Recorder
	cache        *schema.Cache
	logger       *zap.Logger
}

func NewQueryHandler(orch *pipeline.Orchestrator, recorder *history.Recorder, cache *schema.Cache, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		orchestrator: orch,
		recorder:     recorder,
		cache:        cache,
		logger:       logger.Named("query_handler"),
	}
}

// RegisterRoutes registers the query handler's routes on the given mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/query", h.Query)
	mux.HandleFunc("GET /api/history", h.History)
	mux.HandleFunc("POST /api/schema/invalidate", h.InvalidateSchema)
}

type queryRequest struct {
	DatasourceID string `json:"datasource_id"`
	Question     string `json:"question"`
}

// Query handles POST /api/query. The response status reflects the
// run's terminal verdict: DONE and BLOCKED are both 200 (a refusal is
// a successful classification), failures map to their cause.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}

	datasourceID, err := uuid.Parse(req.DatasourceID)
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "datasource_id must be a UUID")
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "question is required")
		return
	}
	if len(question) > maxQuestionLength {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "question exceeds maximum length")
		return
	}

	result := h.orchestrator.Run(r.Context(), pipeline.Request{
		DatasourceID: datasourceID,
		Question:     question,
	})

	if result.Verdict == pipeline.VerdictError {
		_ = WriteJSON(w, statusForErrorKind(result.ErrorKind), result)
		return
	}
	_ = WriteJSON(w, http.StatusOK, result)
}

// History handles GET /api/history. The optional limit query parameter
// caps the number of entries returned, newest first.
func (h *QueryHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := h.recorder.Recent(limit)
	_ = WriteJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

type invalidateRequest struct {
	DatasourceID string `json:"datasource_id"`
}

// InvalidateSchema handles POST /api/schema/invalidate. The next run
// against the datasource re-introspects from scratch.
func (h *QueryHandler) InvalidateSchema(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	datasourceID, err := uuid.Parse(req.DatasourceID)
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "datasource_id must be a UUID")
		return
	}

	h.cache.Invalidate(datasourceID)
	h.logger.Info("schema cache invalidated", zap.String("datasource_id", datasourceID.String()))
	_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func statusForErrorKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "timeout", "cancelled":
		return http.StatusGatewayTimeout
	case "pool_exhausted":
		return http.StatusServiceUnavailable
	case "generation":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
