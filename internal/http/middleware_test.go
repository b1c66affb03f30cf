package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/rain-risk-service/internal/client"
	"github.com/kjstillabower/rain-risk-service/internal/models"
)

func newFullRouter(engine Engine, cfg RouterConfig) http.Handler {
	h := NewHandler(engine, &HealthConfig{Draining: notDraining}, HistoryConfig{}, zap.NewNop())
	return NewRouter(h, cfg)
}

func TestMiddleware_CorrelationIDGeneratedAndEchoed(t *testing.T) {
	router := newFullRouter(&mockEngine{}, RouterConfig{})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

// TestMiddleware_CorrelationIDReachesOutboundContext verifies the incoming id is stored
// where the forecast client reads it.
func TestMiddleware_CorrelationIDReachesOutboundContext(t *testing.T) {
	var got string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		got = client.CorrelationID(r.Context())
	})

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got != "abc-123" {
		t.Errorf("CorrelationID = %q, want abc-123", got)
	}
	if w.Header().Get("X-Correlation-ID") != "abc-123" {
		t.Errorf("response header = %q", w.Header().Get("X-Correlation-ID"))
	}
}

func TestMiddleware_ErrorIncludesRequestID(t *testing.T) {
	router := newFullRouter(&mockEngine{}, RouterConfig{})

	req := httptest.NewRequest("POST", "/internal/refresh/bad%3Bid", nil)
	req.Header.Set("X-Correlation-ID", "req-9")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := decodeError(t, w)["requestId"]; got != "req-9" {
		t.Errorf("requestId = %q, want req-9", got)
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	engine := &mockEngine{block: make(chan struct{})}
	defer close(engine.block)
	router := newFullRouter(engine, RouterConfig{RequestTimeout: 50 * time.Millisecond})

	req := httptest.NewRequest("POST", "/internal/refresh/Acari", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d (timeout should surface as unavailable)", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	engine := &mockEngine{refreshed: models.ClimateRecord{Neighborhood: "Acari", Risk: models.RiskLow}}
	router := newFullRouter(engine, RouterConfig{Limiter: rate.NewLimiter(1, 2)})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/internal/refresh/Acari", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		var errResp struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
			t.Fatalf("decode 429 response: %v", err)
		}
		if errResp.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", errResp.Error.Code)
		}
	}
}

// TestRateLimitMiddleware_ReadRoutesUnlimited verifies the limiter only guards /internal.
func TestRateLimitMiddleware_ReadRoutesUnlimited(t *testing.T) {
	router := newFullRouter(&mockEngine{}, RouterConfig{Limiter: rate.NewLimiter(rate.Limit(0.001), 1)})
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/climate/current", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	h := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !called {
		t.Error("nil limiter blocked the request")
	}
}

func TestCORSMiddleware(t *testing.T) {
	router := newFullRouter(&mockEngine{}, RouterConfig{CORSOrigins: []string{"http://localhost:5173/"}})

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantCode   int
		wantOrigin string
	}{
		{"allowed origin", "GET", "http://localhost:5173", false, http.StatusOK, "http://localhost:5173"},
		{"other origin", "GET", "http://evil.example", false, http.StatusOK, ""},
		{"preflight", "OPTIONS", "http://localhost:5173", true, http.StatusNoContent, "http://localhost:5173"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/climate/current", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "GET")
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestMiddleware_GetRoute(t *testing.T) {
	var got string
	router := mux.NewRouter()
	router.HandleFunc("/climate/history/{neighborhood}", func(w http.ResponseWriter, r *http.Request) {
		got = routeLabel(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/climate/history/Acari", nil))
	if got != "/climate/history/{neighborhood}" {
		t.Errorf("routeLabel() = %q", got)
	}

	// outside a mux route the prefix fallback applies
	req := httptest.NewRequest("POST", "/internal/refresh/Botafogo", nil)
	if got := routeLabel(req); got != "/internal/refresh/{neighborhood}" {
		t.Errorf("routeLabel() = %q", got)
	}
	req = httptest.NewRequest("GET", "/other", nil)
	if got := routeLabel(req); got != "/other" {
		t.Errorf("routeLabel() = %q", got)
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	router := newFullRouter(&mockEngine{}, RouterConfig{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestStatusClass(t *testing.T) {
	if got := statusClass(503); got != "5xx" {
		t.Errorf("statusClass(503) = %q", got)
	}
}

func TestRouter_InFlightTracked(t *testing.T) {
	tracker := &InFlightTracker{}
	engine := &mockEngine{block: make(chan struct{})}
	router := newFullRouter(engine, RouterConfig{InFlight: tracker})

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/internal/refresh/Acari", nil))
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for tracker.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if tracker.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", tracker.Count())
	}
	close(engine.block)
	<-done
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}
