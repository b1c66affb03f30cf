package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/rain-risk-service/internal/client"
	"github.com/kjstillabower/rain-risk-service/internal/lifecycle"
	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
	"github.com/kjstillabower/rain-risk-service/internal/service"
	"github.com/kjstillabower/rain-risk-service/internal/store"
	"github.com/kjstillabower/rain-risk-service/internal/validation"
)

// Engine is the part of service.Engine the HTTP surface uses.
type Engine interface {
	RefreshOne(ctx context.Context, id string) (models.ClimateRecord, error)
	RefreshAll(ctx context.Context) service.CycleResult
	LatestAll(ctx context.Context) ([]service.LatestView, error)
	GetHistory(ctx context.Context, id string, limit int) ([]models.ClimateRecord, error)
	Degraded() bool
}

// HealthConfig holds the checks behind GET /health. Nil funcs are skipped.
type HealthConfig struct {
	// SchedulerState reports the refresh scheduler lifecycle.
	SchedulerState func() lifecycle.State
	// SchedulerReady reports whether the startup cycle has finished; until then
	// the service reports "starting".
	SchedulerReady func() bool
	// Draining defaults to lifecycle.Draining.
	Draining  func() bool
	StorePing func(ctx context.Context) error
	CachePing func(ctx context.Context) error
	Version   string
}

// HistoryConfig bounds GET /climate/history.
type HistoryConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine           Engine
	healthConfig     *HealthConfig
	history          HistoryConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(engine Engine, healthConfig *HealthConfig, history HistoryConfig, logger *zap.Logger) *Handler {
	if history.DefaultLimit <= 0 {
		history.DefaultLimit = 20
	}
	if history.MaxLimit < history.DefaultLimit {
		history.MaxLimit = history.DefaultLimit
	}
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	if healthConfig.Draining == nil {
		healthConfig.Draining = lifecycle.Draining
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:       engine,
		healthConfig: healthConfig,
		history:      history,
		logger:       logger,
	}
}

type currentEntry struct {
	Lat             float64          `json:"lat"`
	Lon             float64          `json:"lon"`
	ObservedAt      *time.Time       `json:"observedAt,omitempty"`
	RainMM          *float64         `json:"rainMm,omitempty"`
	PrecipitationMM *float64         `json:"precipitationMm,omitempty"`
	WindSpeedKMH    *float64         `json:"windSpeedKmh,omitempty"`
	RainPastMM      *float64         `json:"rainPastMm,omitempty"`
	RainNextMM      *float64         `json:"rainNextMm,omitempty"`
	Risk            *models.RiskTier `json:"risk,omitempty"`
	Degraded        *bool            `json:"degraded,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// GetCurrent handles GET /climate/current. Every registered neighborhood is present with
// its coordinates; neighborhoods without records carry an error marker instead of data.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	views, err := h.engine.LatestAll(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	out := make(map[string]currentEntry, len(views))
	for _, v := range views {
		e := currentEntry{Lat: v.Neighborhood.Latitude, Lon: v.Neighborhood.Longitude}
		if rec := v.Record; v.HasData && rec != nil {
			e.ObservedAt = &rec.ObservedAt
			e.RainMM = &rec.RainMM
			e.PrecipitationMM = &rec.PrecipitationMM
			e.WindSpeedKMH = &rec.WindSpeedKMH
			e.RainPastMM = &rec.RainPastMM
			e.RainNextMM = &rec.RainNextMM
			e.Risk = &rec.Risk
			e.Degraded = &rec.Degraded
		} else {
			e.Error = "no climate data"
		}
		out[v.Neighborhood.ID] = e
	}
	writeJSON(w, http.StatusOK, out)
}

type historyPoint struct {
	Time       string          `json:"time"`
	ObservedAt time.Time       `json:"observedAt"`
	RainMM     float64         `json:"rainMm"`
	Risk       models.RiskTier `json:"risk"`
}

// GetHistory handles GET /climate/history/{neighborhood}?limit=N. Points are oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ValidateNeighborhoodID(mux.Vars(r)["neighborhood"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_NEIGHBORHOOD", err.Error())
		return
	}
	limit, err := validation.ParseLimit(r.URL.Query().Get("limit"), h.history.DefaultLimit, h.history.MaxLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}

	recs, err := h.engine.GetHistory(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]historyPoint, 0, len(recs))
	for _, rec := range recs {
		out = append(out, historyPoint{
			Time:       rec.ObservedAt.UTC().Format("15:04"),
			ObservedAt: rec.ObservedAt,
			RainMM:     rec.RainMM,
			Risk:       rec.Risk,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// PostRefresh handles POST /internal/refresh/{neighborhood}.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ValidateNeighborhoodID(mux.Vars(r)["neighborhood"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_NEIGHBORHOOD", err.Error())
		return
	}
	rec, err := h.engine.RefreshOne(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"neighborhood": rec.Neighborhood,
		"risk":         rec.Risk,
		"observedAt":   rec.ObservedAt,
		"degraded":     rec.Degraded,
	})
}

// PostRefreshAll handles POST /internal/refresh. Per-neighborhood failures are reported,
// not turned into an error status.
func (h *Handler) PostRefreshAll(w http.ResponseWriter, r *http.Request) {
	observability.CyclesTotal.WithLabelValues("manual").Inc()
	res := h.engine.RefreshAll(r.Context())
	if res.Failed() > 0 {
		loggerFrom(r).Warn("manual refresh had failures", zap.Strings("neighborhoods", neighborhoodIDs(res.Failures)))
	}

	failures := make(map[string]string, len(res.Failures))
	for id, err := range res.Failures {
		failures[id] = failureMessage(err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":      res.Total,
		"succeeded":  res.Succeeded,
		"failed":     res.Failed(),
		"failures":   failures,
		"durationMs": res.Duration.Milliseconds(),
	})
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, client.ErrProviderUnavailable):
		return "forecast provider unavailable"
	case errors.Is(err, store.ErrStorageUnavailable):
		return "storage unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "refresh failed"
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := h.healthConfig.Version
	if version == "" {
		version = "dev"
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "rain-risk-service",
		"version":   version,
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > storage unavailable > degraded > healthy.
// Checks map reports every check regardless of which condition wins.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := make(map[string]string)
	if h.healthConfig.SchedulerState != nil {
		checks["scheduler"] = h.healthConfig.SchedulerState().String()
	}
	storeOK := runCheck(ctx, h.healthConfig.StorePing, "store", checks)
	runCheck(ctx, h.healthConfig.CachePing, "cache", checks)
	degraded := h.engine.Degraded()
	if degraded {
		checks["forecastProvider"] = "unhealthy"
	} else {
		checks["forecastProvider"] = "healthy"
	}

	schedulerStopping := h.healthConfig.SchedulerState != nil && h.healthConfig.SchedulerState() == lifecycle.StateShuttingDown
	switch {
	case h.healthConfig.Draining() || schedulerStopping:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	case h.healthConfig.SchedulerReady != nil && !h.healthConfig.SchedulerReady():
		return healthResult{"starting", http.StatusServiceUnavailable, "startup_cycle", checks}
	case !storeOK:
		return healthResult{"unhealthy", http.StatusServiceUnavailable, "store_unreachable", checks}
	case degraded:
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
	default:
		return healthResult{"healthy", http.StatusOK, "", checks}
	}
}

func runCheck(ctx context.Context, ping func(context.Context) error, name string, checks map[string]string) bool {
	if ping == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := ping(ctx); err != nil {
		checks[name] = "unhealthy"
		return false
	}
	checks[name] = "healthy"
	return true
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": client.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps engine errors to responses: unknown neighborhoods are the
// caller's fault, everything else is a 503.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownNeighborhood):
		writeError(w, r, http.StatusBadRequest, "UNKNOWN_NEIGHBORHOOD", "Neighborhood is not registered")
		return
	case errors.Is(err, client.ErrProviderUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch forecast data")
	case errors.Is(err, store.ErrStorageUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Climate records are unavailable")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "Request could not be completed")
	}
	loggerFrom(r).Warn("request failed", zap.Error(err))
}

// neighborhoodIDs lists failure keys in a stable order for logs.
func neighborhoodIDs(m map[string]error) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
