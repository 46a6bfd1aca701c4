package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, h *Handler, path string, ctx context.Context) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func ok(context.Context) error { return nil }

func TestHealthz(t *testing.T) {
	t.Parallel()

	code, body := serve(t, New(), "/healthz", context.Background())
	if code != http.StatusOK || body.Status != "ok" || body.Session != "" {
		t.Errorf("got %d %+v, want 200 ok without session", code, body)
	}

	h := New(WithState(func() string { return "connected" }))
	code, body = serve(t, h, "/healthz", context.Background())
	if code != http.StatusOK || body.Session != "connected" {
		t.Errorf("got %d %+v, want session=connected", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "postgres", Check: ok}, {Name: "credential", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"postgres": "ok", "credential": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "postgres", Check: func(context.Context) error { return errors.New("connection refused") }},
				{Name: "credential", Check: ok},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"postgres": "fail: connection refused", "credential": "ok"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(WithCheckers(tc.checkers...)), "/readyz", context.Background())
			if code != tc.wantCode || body.Status != tc.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, body.Status, tc.wantCode, tc.wantStatus)
			}
			for k, want := range tc.wantChecks {
				if body.Checks[k] != want {
					t.Errorf("check %q = %q, want %q", k, body.Checks[k], want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	go func() {
		<-started
		<-started
		close(release)
	}()

	h := New(WithCheckers(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}))
	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		done <- rec.Code
	}()

	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Errorf("status = %d, want 200", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("checks did not run concurrently")
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := New(WithCheckers(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	if code, _ := serve(t, h, "/readyz", ctx); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}
