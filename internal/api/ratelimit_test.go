package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carevoice/carevoice/internal/call"
)

func testLimiter(t *testing.T, cfg RateLimiterConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiterBurstExhaustion(t *testing.T) {
	rl := testLimiter(t, RateLimiterConfig{
		RatePerMinute:   1,
		Burst:           3,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})

	for i := 0; i < 3; i++ {
		if !rl.Allow("caller:alice") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if rl.Allow("caller:alice") {
		t.Error("request beyond burst was allowed")
	}

	// A different caller has its own budget.
	if !rl.Allow("caller:carol") {
		t.Error("independent caller was denied")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := testLimiter(t, RateLimiterConfig{
		RatePerMinute:   1,
		Burst:           1,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})

	svc := &mockCallService{
		inviteResult: &call.InviteResult{CallID: "call-1", ChannelName: "chan"},
	}
	srv := NewServer(Options{Calls: svc, RateLimiter: rl})

	body := `{"group_id":"g","caller_id":"alice","receiver_id":"bob"}`

	w := postJSON(t, srv, "/api/v1/call/invite", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("first invite: status = %d, want 201; body %s", w.Code, w.Body.String())
	}
	// The middleware must replay the body so the handler still sees it.
	if svc.lastInvite.CallerID != "alice" {
		t.Errorf("handler saw CallerID = %q after middleware peek", svc.lastInvite.CallerID)
	}

	w = postJSON(t, srv, "/api/v1/call/invite", body)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second invite: status = %d, want 429", w.Code)
	}

	// A different caller is not throttled by alice's limiter.
	w = postJSON(t, srv, "/api/v1/call/invite",
		`{"group_id":"g","caller_id":"carol","receiver_id":"bob"}`)
	if w.Code != http.StatusCreated {
		t.Errorf("other caller: status = %d, want 201", w.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := testLimiter(t, RateLimiterConfig{
		RatePerMinute:   60,
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Nanosecond,
	})

	rl.Allow("caller:alice")
	time.Sleep(time.Millisecond)
	rl.cleanup()

	rl.mu.Lock()
	remaining := len(rl.entries)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Errorf("entries after cleanup = %d, want 0", remaining)
	}
}

func TestRateLimiterMiddlewareFallsBackToIP(t *testing.T) {
	rl := testLimiter(t, RateLimiterConfig{
		RatePerMinute:   1,
		Burst:           1,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// No caller_id in the body: limited per remote address.
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.RemoteAddr = "10.0.0.1:1234"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", w.Code)
	}
}
