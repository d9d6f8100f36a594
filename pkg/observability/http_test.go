package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func serve(s *HTTPServer, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTPServer_Health(t *testing.T) {
	s := NewHTTPServer("127.0.0.1:0", nil, zap.NewNop())

	rec := serve(s, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHTTPServer_Ready(t *testing.T) {
	ready := false
	s := NewHTTPServer("127.0.0.1:0", func() (bool, string) {
		if !ready {
			return false, "credentials rejected"
		}
		return true, ""
	}, zap.NewNop())

	rec := serve(s, "/ready")
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "credentials rejected" {
		t.Errorf("not ready = %d %q", rec.Code, rec.Body.String())
	}

	ready = true
	if rec := serve(s, "/ready"); rec.Code != http.StatusOK {
		t.Errorf("ready = %d", rec.Code)
	}
}

func TestHTTPServer_Metrics(t *testing.T) {
	s := NewHTTPServer("127.0.0.1:0", nil, zap.NewNop())
	HeartbeatsTotal.WithLabelValues("direct").Inc()

	rec := serve(s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "meshagent_heartbeats_total") {
		t.Error("heartbeat counter missing from exposition")
	}
}

func TestHTTPServer_MountedRoutes(t *testing.T) {
	s := NewHTTPServer("127.0.0.1:0", nil, zap.NewNop())
	s.Echo().GET("/api/v1/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	if rec := serve(s, "/api/v1/ping"); rec.Body.String() != "pong" {
		t.Errorf("mounted route = %q", rec.Body.String())
	}
	if rec := serve(s, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d", rec.Code)
	}
}
