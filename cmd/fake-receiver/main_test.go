package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/signing"
)

func post(h http.Handler, path, body, sig string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if sig != "" {
		r.Header.Set(signing.Header, sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestHandleHook_Signature(t *testing.T) {
	body := `{"event":"call.completed","timestamp":"2025-01-01T00:00:00.000Z","data":{}}`
	tests := []struct {
		name   string
		secret string
		sig    string
		want   int
	}{
		{name: "valid", secret: "whsec", sig: signing.Sign([]byte(body), "whsec"), want: http.StatusOK},
		{name: "wrong secret", secret: "whsec", sig: signing.Sign([]byte(body), "other"), want: http.StatusUnauthorized},
		{name: "missing", secret: "whsec", want: http.StatusUnauthorized},
		{name: "verification off", secret: "", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newReceiver(config.FakeReceiver{EndpointSecret: tt.secret}, logging.Discard()).routes()
			if rec := post(h, "/hook", body, tt.sig); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandleHook_FailFirstN(t *testing.T) {
	h := newReceiver(config.FakeReceiver{FailFirstN: 2}, logging.Discard()).routes()
	want := []int{500, 500, 200, 200}
	for i, code := range want {
		if rec := post(h, "/", "{}", ""); rec.Code != code {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, code)
		}
	}
}

func TestHandleHook_ConcurrentCount(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{FailFirstN: 5}, logging.Discard())
	h := rc.routes()
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if post(h, "/hook", "{}", "").Code == http.StatusInternalServerError {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if failures != 5 {
		t.Errorf("failures = %d, want 5", failures)
	}
}

func TestHandleHook_Delay(t *testing.T) {
	h := newReceiver(config.FakeReceiver{ResponseDelay: 30 * time.Millisecond}, logging.Discard()).routes()
	start := time.Now()
	post(h, "/hook", "{}", "")
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("answered after %v, want >= 30ms", elapsed)
	}
}

func TestHandleHook_Method(t *testing.T) {
	h := newReceiver(config.FakeReceiver{}, logging.Discard()).routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newReceiver(config.FakeReceiver{}, logging.Discard()).routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":true}` {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer", 4, "this..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
