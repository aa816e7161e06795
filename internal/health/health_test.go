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

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := decodeResult(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	pass := func(context.Context) error { return nil }
	noCred := func(context.Context) error { return errors.New("no credential configured") }
	dbDown := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]bool
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "coach", Check: pass},
				{Name: "history", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]bool{"coach": true, "history": true},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "coach", Check: pass},
				{Name: "history", Check: dbDown},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]bool{"coach": true, "history": false},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "coach", Check: noCred},
				{Name: "history", Check: dbDown},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]bool{"coach": false, "history": false},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tc.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			body := decodeResult(t, rec)
			if body.Status != tc.wantStatus {
				t.Errorf("body status = %q, want %q", body.Status, tc.wantStatus)
			}
			for name, wantOK := range tc.wantChecks {
				state, present := body.Checks[name]
				if !present {
					t.Errorf("check %q missing from response", name)
					continue
				}
				if state.OK != wantOK {
					t.Errorf("check %q ok = %v, want %v (error %q)", name, state.OK, wantOK, state.Error)
				}
				if wantOK && state.Error != "" {
					t.Errorf("check %q carries error %q despite passing", name, state.Error)
				}
			}
		})
	}
}

func TestReadyz_ReportsCheckError(t *testing.T) {
	h := New(Checker{Name: "history", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	body := decodeResult(t, rec)
	if got := body.Checks["history"].Error; got != "connection refused" {
		t.Errorf("history error = %q, want the checker's message", got)
	}
	if body.Checks["history"].Duration == "" {
		t.Error("history check missing duration")
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Checker{Name: "coach", Check: slow},
		Checker{Name: "history", Check: slow},
		Checker{Name: "settings", Check: slow},
	)

	started := time.Now()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// Three 200ms checks in sequence would take 600ms.
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Errorf("readyz took %v, want the checks to overlap", elapsed)
	}
}

func TestReadyz_RespectsRequestCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when the probe is cancelled", rec.Code)
	}
}

func TestRegister_Routes(t *testing.T) {
	mux := http.NewServeMux()
	New(Checker{Name: "coach", Check: func(context.Context) error { return nil }}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, rec.Code)
		}
	}
}
