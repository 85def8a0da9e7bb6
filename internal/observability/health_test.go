package observability_test

import (
	"AuctionLedger/internal/observability"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// ===== Test: readiness gate =====

func TestReadiness_NotReadyUntilSet(t *testing.T) {
	h := observability.NewHealthChecker()
	router := observability.NewOpsRouter(prometheus.NewRegistry(), h, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503 before SetReady", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 after SetReady", rec.Code)
	}
}

func TestReadiness_FailingCheck(t *testing.T) {
	h := observability.NewHealthChecker()
	h.SetReady(true)
	h.Register("postgres", func(context.Context) error { return errors.New("connection refused") })
	router := observability.NewOpsRouter(prometheus.NewRegistry(), h, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503 with failing check", rec.Code)
	}
}

// ===== Test: liveness and metrics =====

func TestLivenessAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.BidsPlaced.WithLabelValues("english").Inc()

	router := observability.NewOpsRouter(reg, observability.NewHealthChecker(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "auction_bids_placed_total") {
		t.Error("metrics output missing auction_bids_placed_total")
	}
}
