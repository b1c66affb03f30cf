package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/rain-risk-service/internal/observability"
)

// RouterConfig carries the cross-cutting settings applied to routes.
type RouterConfig struct {
	Logger         *zap.Logger
	RequestTimeout time.Duration
	// Limiter guards the manual refresh routes. Nil disables rate limiting.
	Limiter     *rate.Limiter
	CORSOrigins []string
	// InFlight is drained at shutdown; a private tracker is used when nil.
	InFlight *InFlightTracker
}

// NewRouter wires every route. CORS wraps the router so preflight requests are
// answered even though no OPTIONS routes are registered.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	inFlight := cfg.InFlight
	if inFlight == nil {
		inFlight = &InFlightTracker{}
	}
	router.Use(inFlight.Middleware)
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	climate := router.PathPrefix("/climate").Subrouter()
	if cfg.RequestTimeout > 0 {
		climate.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	climate.HandleFunc("/current", h.GetCurrent).Methods("GET")
	climate.HandleFunc("/history/{neighborhood}", h.GetHistory).Methods("GET")

	internal := router.PathPrefix("/internal").Subrouter()
	internal.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		internal.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	internal.HandleFunc("/refresh", h.PostRefreshAll).Methods("POST")
	internal.HandleFunc("/refresh/{neighborhood}", h.PostRefresh).Methods("POST")

	return CORSMiddleware(cfg.CORSOrigins)(router)
}
