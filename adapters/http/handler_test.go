package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apihttp "github.com/artpar/billcycle/adapters/http"
	"github.com/rs/zerolog"
)

func TestRouter_Liveness(t *testing.T) {
	router := apihttp.NewRouter(apihttp.RouterConfig{Logger: zerolog.Nop()})

	for _, path := range []string{"/health", "/health/live"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestRouter_Readiness(t *testing.T) {
	healthy := apihttp.HealthCheckFunc(func(ctx context.Context) error { return nil })
	broken := apihttp.HealthCheckFunc(func(ctx context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		checks     map[string]apihttp.HealthChecker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{"no checks", nil, http.StatusOK, "ok", nil},
		{
			"all healthy",
			map[string]apihttp.HealthChecker{"database": healthy},
			http.StatusOK, "ok",
			map[string]string{"database": "ok"},
		},
		{
			"one failing",
			map[string]apihttp.HealthChecker{"database": healthy, "redis": broken},
			http.StatusServiceUnavailable, "unhealthy",
			map[string]string{"database": "ok", "redis": "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := apihttp.NewRouter(apihttp.RouterConfig{
				Health: apihttp.NewHealthHandler(tt.checks),
				Logger: zerolog.Nop(),
			})

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp apihttp.HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("body status = %s, want %s", resp.Status, tt.wantBody)
			}
			for name, want := range tt.wantChecks {
				if got := resp.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("billcycle_up 1\n"))
	})

	router := apihttp.NewRouter(apihttp.RouterConfig{
		MetricsPath:    "/internal/metrics",
		MetricsHandler: metrics,
		Logger:         zerolog.Nop(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/metrics", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "billcycle_up 1\n" {
		t.Errorf("metrics: status %d body %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("default path status = %d, want 404 when a custom path is set", rec.Code)
	}
}

func TestRouter_NoMetricsHandler(t *testing.T) {
	router := apihttp.NewRouter(apihttp.RouterConfig{Logger: zerolog.Nop()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouter_Version(t *testing.T) {
	router := apihttp.NewRouter(apihttp.RouterConfig{
		Version: apihttp.VersionResponse{Version: "1.2.3", Commit: "abc"},
		Logger:  zerolog.Nop(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var got apihttp.VersionResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := apihttp.VersionResponse{Version: "1.2.3", Commit: "abc", Service: "billcycle"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
