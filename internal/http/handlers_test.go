package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/rain-risk-service/internal/client"
	"github.com/kjstillabower/rain-risk-service/internal/lifecycle"
	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/service"
	"github.com/kjstillabower/rain-risk-service/internal/store"
)

var testObservedAt = time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)

type mockEngine struct {
	views      []service.LatestView
	latestErr  error
	history    []models.ClimateRecord
	historyErr error
	gotLimit   int
	gotID      string
	refreshed  models.ClimateRecord
	refreshErr error
	cycle      service.CycleResult
	degraded   bool
	block      chan struct{} // if set, RefreshOne blocks until ctx.Done()
}

func (m *mockEngine) RefreshOne(ctx context.Context, id string) (models.ClimateRecord, error) {
	m.gotID = id
	if m.block != nil {
		select {
		case <-ctx.Done():
			return models.ClimateRecord{}, fmt.Errorf("refresh %s: %w", id, ctx.Err())
		case <-m.block:
		}
	}
	return m.refreshed, m.refreshErr
}

func (m *mockEngine) RefreshAll(ctx context.Context) service.CycleResult {
	return m.cycle
}

func (m *mockEngine) LatestAll(ctx context.Context) ([]service.LatestView, error) {
	return m.views, m.latestErr
}

func (m *mockEngine) GetHistory(ctx context.Context, id string, limit int) ([]models.ClimateRecord, error) {
	m.gotID = id
	m.gotLimit = limit
	return m.history, m.historyErr
}

func (m *mockEngine) Degraded() bool { return m.degraded }

func testRecord(rain float64, tier models.RiskTier, at time.Time) models.ClimateRecord {
	return models.ClimateRecord{
		ID:           "rec-" + at.Format("1504"),
		Neighborhood: "Acari",
		ObservedAt:   at,
		RainMM:       rain,
		RainPastMM:   12,
		RainNextMM:   3,
		Risk:         tier,
		Provider:     "open_meteo",
	}
}

func newTestRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.HandleFunc("/climate/current", h.GetCurrent).Methods("GET")
	router.HandleFunc("/climate/history/{neighborhood}", h.GetHistory).Methods("GET")
	router.HandleFunc("/internal/refresh", h.PostRefreshAll).Methods("POST")
	router.HandleFunc("/internal/refresh/{neighborhood}", h.PostRefresh).Methods("POST")
	return router
}

func notDraining() bool { return false }

func serve(t *testing.T, h *Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body struct {
		Error map[string]string `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

// TestHandler_GetCurrent verifies every neighborhood carries coordinates and that
// neighborhoods without records get an explicit marker instead of zeros.
func TestHandler_GetCurrent(t *testing.T) {
	rec := testRecord(7.5, models.RiskMedium, testObservedAt)
	engine := &mockEngine{views: []service.LatestView{
		{
			Neighborhood: models.Neighborhood{ID: "Acari", Coordinates: models.Coordinates{Latitude: -22.8236, Longitude: -43.3411}},
			Record:       &rec,
			HasData:      true,
		},
		{
			Neighborhood: models.Neighborhood{ID: "Botafogo", Coordinates: models.Coordinates{Latitude: -22.9519, Longitude: -43.1844}},
		},
	}}
	h := NewHandler(engine, &HealthConfig{Draining: notDraining}, HistoryConfig{}, zap.NewNop())

	w := serve(t, h, "GET", "/climate/current")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("got %d neighborhoods, want 2", len(resp))
	}

	acari := resp["Acari"]
	if acari["lat"] != -22.8236 || acari["lon"] != -43.3411 {
		t.Errorf("Acari coords = %v,%v", acari["lat"], acari["lon"])
	}
	if acari["risk"] != "medium" || acari["rainMm"] != 7.5 || acari["rainPastMm"] != 12.0 {
		t.Errorf("Acari = %v", acari)
	}
	if _, ok := acari["error"]; ok {
		t.Error("Acari has error marker despite data")
	}

	botafogo := resp["Botafogo"]
	if botafogo["lat"] != -22.9519 {
		t.Errorf("Botafogo lat = %v", botafogo["lat"])
	}
	if botafogo["error"] != "no climate data" {
		t.Errorf("Botafogo error = %v, want no climate data", botafogo["error"])
	}
	if _, ok := botafogo["risk"]; ok {
		t.Error("Botafogo has risk without data")
	}
}

func TestHandler_GetCurrent_StoreError(t *testing.T) {
	engine := &mockEngine{latestErr: fmt.Errorf("latest Acari: %w", store.ErrStorageUnavailable)}
	h := NewHandler(engine, nil, HistoryConfig{}, nil)

	w := serve(t, h, "GET", "/climate/current")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if got := decodeError(t, w)["code"]; got != "STORAGE_UNAVAILABLE" {
		t.Errorf("code = %q", got)
	}
}

func TestHandler_GetHistory(t *testing.T) {
	engine := &mockEngine{history: []models.ClimateRecord{
		testRecord(1, models.RiskLow, testObservedAt.Add(-time.Hour)),
		testRecord(16, models.RiskHigh, testObservedAt),
	}}
	h := NewHandler(engine, nil, HistoryConfig{DefaultLimit: 20, MaxLimit: 100}, nil)

	w := serve(t, h, "GET", "/climate/history/Campo%20Grande")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if engine.gotID != "Campo Grande" || engine.gotLimit != 20 {
		t.Errorf("engine called with %q limit %d", engine.gotID, engine.gotLimit)
	}

	var points []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&points); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if points[0]["time"] != "14:30" || points[1]["time"] != "15:30" {
		t.Errorf("times = %v, %v", points[0]["time"], points[1]["time"])
	}
	if points[1]["risk"] != "high" || points[1]["rainMm"] != 16.0 {
		t.Errorf("last point = %v", points[1])
	}
}

func TestHandler_GetHistory_Limit(t *testing.T) {
	tests := []struct {
		query     string
		wantCode  int
		wantLimit int
	}{
		{"?limit=5", http.StatusOK, 5},
		{"?limit=1000", http.StatusOK, 100},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			engine := &mockEngine{}
			h := NewHandler(engine, nil, HistoryConfig{DefaultLimit: 20, MaxLimit: 100}, nil)
			w := serve(t, h, "GET", "/climate/history/Acari"+tt.query)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if engine.gotLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", engine.gotLimit, tt.wantLimit)
			}
		})
	}
}

func TestHandler_GetHistory_EmptyIsArray(t *testing.T) {
	h := NewHandler(&mockEngine{history: []models.ClimateRecord{}}, nil, HistoryConfig{}, nil)
	w := serve(t, h, "GET", "/climate/history/Acari")
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestHandler_GetHistory_UnknownNeighborhood(t *testing.T) {
	engine := &mockEngine{historyErr: fmt.Errorf("%w: %q", service.ErrUnknownNeighborhood, "Atlantis")}
	h := NewHandler(engine, nil, HistoryConfig{}, nil)

	w := serve(t, h, "GET", "/climate/history/Atlantis")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := decodeError(t, w)["code"]; got != "UNKNOWN_NEIGHBORHOOD" {
		t.Errorf("code = %q", got)
	}
}

func TestHandler_PostRefresh(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "success", target: "/internal/refresh/Acari", wantCode: http.StatusOK},
		{
			name:     "unknown neighborhood",
			target:   "/internal/refresh/Atlantis",
			err:      fmt.Errorf("%w: %q", service.ErrUnknownNeighborhood, "Atlantis"),
			wantCode: http.StatusBadRequest,
			wantErr:  "UNKNOWN_NEIGHBORHOOD",
		},
		{
			name:     "invalid characters",
			target:   "/internal/refresh/Acari;DROP",
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_NEIGHBORHOOD",
		},
		{
			name:   "provider unavailable",
			target: "/internal/refresh/Acari",
			err: &client.ProviderError{
				Neighborhood: "Acari", Provider: "open_meteo", Err: client.ErrUpstreamFailure,
			},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "UPSTREAM_UNAVAILABLE",
		},
		{
			name:     "storage unavailable",
			target:   "/internal/refresh/Acari",
			err:      fmt.Errorf("refresh Acari: %w", store.ErrStorageUnavailable),
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "STORAGE_UNAVAILABLE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{
				refreshed:  testRecord(20, models.RiskHigh, testObservedAt),
				refreshErr: tt.err,
			}
			h := NewHandler(engine, nil, HistoryConfig{}, nil)
			w := serve(t, h, "POST", tt.target)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantErr != "" {
				if got := decodeError(t, w)["code"]; got != tt.wantErr {
					t.Errorf("code = %q, want %q", got, tt.wantErr)
				}
				return
			}
			var resp map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp["success"] != true || resp["risk"] != "high" || resp["neighborhood"] != "Acari" {
				t.Errorf("resp = %v", resp)
			}
		})
	}
}

func TestHandler_PostRefresh_InvalidIDNeverReachesEngine(t *testing.T) {
	engine := &mockEngine{}
	h := NewHandler(engine, nil, HistoryConfig{}, nil)
	serve(t, h, "POST", "/internal/refresh/%3Cscript%3E")
	if engine.gotID != "" {
		t.Errorf("engine called with %q", engine.gotID)
	}
}

func TestHandler_PostRefreshAll(t *testing.T) {
	engine := &mockEngine{cycle: service.CycleResult{
		Total:     3,
		Succeeded: 2,
		Failures: map[string]error{
			"Bonsucesso": &client.ProviderError{Neighborhood: "Bonsucesso", Provider: "open_meteo", Err: client.ErrRateLimited},
		},
		Duration: 1500 * time.Millisecond,
	}}
	h := NewHandler(engine, nil, HistoryConfig{}, nil)

	w := serve(t, h, "POST", "/internal/refresh")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Total      int               `json:"total"`
		Succeeded  int               `json:"succeeded"`
		Failed     int               `json:"failed"`
		Failures   map[string]string `json:"failures"`
		DurationMs int64             `json:"durationMs"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || resp.Succeeded != 2 || resp.Failed != 1 || resp.DurationMs != 1500 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Failures["Bonsucesso"] != "forecast provider unavailable" {
		t.Errorf("failure = %q", resp.Failures["Bonsucesso"])
	}
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", store.ErrStorageUnavailable), "storage unavailable"},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), "cancelled"},
		{errors.New("other"), "refresh failed"},
	}
	for _, tt := range tests {
		if got := failureMessage(tt.err); got != tt.want {
			t.Errorf("failureMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestHandler_GetHealth(t *testing.T) {
	storeDown := func(ctx context.Context) error { return store.ErrStorageUnavailable }
	ok := func(ctx context.Context) error { return nil }
	running := func() lifecycle.State { return lifecycle.StateRunning }
	stopping := func() lifecycle.State { return lifecycle.StateShuttingDown }

	tests := []struct {
		name       string
		cfg        *HealthConfig
		degraded   bool
		wantStatus string
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:       "healthy",
			cfg:        &HealthConfig{Draining: notDraining, SchedulerState: running, StorePing: ok},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"scheduler": "running", "store": "healthy", "forecastProvider": "healthy"},
		},
		{
			name: "startup cycle in progress",
			cfg: &HealthConfig{Draining: notDraining, SchedulerState: running, StorePing: ok,
				SchedulerReady: func() bool { return false }},
			wantStatus: "starting",
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"scheduler": "running"},
		},
		{
			name: "ready after startup cycle",
			cfg: &HealthConfig{Draining: notDraining, SchedulerState: running, StorePing: ok,
				SchedulerReady: func() bool { return true }},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name:       "degraded provider",
			cfg:        &HealthConfig{Draining: notDraining, SchedulerState: running},
			degraded:   true,
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"forecastProvider": "unhealthy"},
		},
		{
			name:       "store unreachable",
			cfg:        &HealthConfig{Draining: notDraining, StorePing: storeDown, CachePing: ok},
			wantStatus: "unhealthy",
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"store": "unhealthy", "cache": "healthy"},
		},
		{
			name:       "draining",
			cfg:        &HealthConfig{Draining: func() bool { return true }, StorePing: ok},
			wantStatus: "shutting-down",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "scheduler stopping",
			cfg:        &HealthConfig{Draining: notDraining, SchedulerState: stopping},
			wantStatus: "shutting-down",
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"scheduler": "shutting-down"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&mockEngine{degraded: tt.degraded}, tt.cfg, HistoryConfig{}, nil)
			w := serve(t, h, "GET", "/health")
			if w.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			var resp struct {
				Status  string            `json:"status"`
				Service string            `json:"service"`
				Checks  map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Service != "rain-risk-service" {
				t.Errorf("service = %q", resp.Service)
			}
			for k, v := range tt.wantChecks {
				if resp.Checks[k] != v {
					t.Errorf("checks[%q] = %q, want %q", k, resp.Checks[k], v)
				}
			}
		})
	}
}

// TestHandler_GetHealth_LogsTransition verifies a status change is logged once.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	engine := &mockEngine{}
	h := NewHandler(engine, &HealthConfig{Draining: notDraining}, HistoryConfig{}, zap.New(core))

	serve(t, h, "GET", "/health")
	engine.degraded = true
	serve(t, h, "GET", "/health")
	serve(t, h, "GET", "/health")

	transitions := logs.FilterMessage("health status transition").All()
	if len(transitions) != 1 {
		t.Fatalf("got %d transition logs, want 1", len(transitions))
	}
	fields := transitions[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("fields = %v", fields)
	}
}

func TestNewHandler_DefaultsDrainingToLifecycle(t *testing.T) {
	h := NewHandler(&mockEngine{}, nil, HistoryConfig{}, nil)
	if h.healthConfig.Draining == nil {
		t.Fatal("Draining not defaulted")
	}
	if h.history.DefaultLimit != 20 {
		t.Errorf("DefaultLimit = %d, want 20", h.history.DefaultLimit)
	}
}
