package http

import (
	"context"
	"net/http"
	"sync"

	"github.com/kjstillabower/rain-risk-service/internal/observability"
)

// InFlightTracker counts requests being served so shutdown can drain them after
// the listener closes. The zero value is ready to use.
type InFlightTracker struct {
	mu    sync.Mutex
	n     int64
	drain chan struct{} // closed when n returns to zero
}

func (t *InFlightTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.enter()
		defer t.leave()
		next.ServeHTTP(w, r)
	})
}

func (t *InFlightTracker) enter() {
	observability.HTTPRequestsInFlight.Inc()
	t.mu.Lock()
	if t.n == 0 {
		t.drain = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *InFlightTracker) leave() {
	observability.HTTPRequestsInFlight.Dec()
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.drain)
		t.drain = nil
	}
	t.mu.Unlock()
}

func (t *InFlightTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Wait blocks until no request is in flight or ctx is done.
func (t *InFlightTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	drain := t.drain
	t.mu.Unlock()
	if drain == nil {
		return nil
	}
	select {
	case <-drain:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
