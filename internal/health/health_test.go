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

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serveReadyz(t *testing.T, h *Handler, ctx context.Context) (int, result) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(Checker{Name: "backend", Check: failing("down")})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz(t *testing.T) {
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
			name: "all pass",
			checkers: []Checker{
				{Name: "backend", Check: ok},
				{Name: "history", Check: ok},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"backend": "ok", "history": "ok"},
		},
		{
			name: "required fails",
			checkers: []Checker{
				{Name: "backend", Check: failing("connection refused")},
				{Name: "history", Check: ok},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"backend": "fail: connection refused", "history": "ok"},
		},
		{
			name: "optional fails",
			checkers: []Checker{
				{Name: "backend", Check: ok},
				{Name: "advisor", Check: failing("no api key"), Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"backend": "ok", "advisor": "degraded: no api key"},
		},
		{
			name: "required beats optional",
			checkers: []Checker{
				{Name: "backend", Check: failing("timeout")},
				{Name: "advisor", Check: failing("no api key"), Optional: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := serveReadyz(t, New(tt.checkers...), context.Background())
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_RunsChecksConcurrently(t *testing.T) {
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)

	start := time.Now()
	code, _ := serveReadyz(t, h, context.Background())
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if d := time.Since(start); d > 250*time.Millisecond {
		t.Errorf("readyz took %s, checks appear to run sequentially", d)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := serveReadyz(t, h, ctx); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	mux := http.NewServeMux()
	New(Checker{Name: "test", Check: ok}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}
