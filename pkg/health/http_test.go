package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPCheckerHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewHTTPChecker("pcs", srv.URL)
	result := checker.Check(context.Background())
	assert.True(t, result.Healthy)
	assert.Equal(t, "pcs", checker.Name())
}

func TestHTTPCheckerUnhealthyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	checker := NewHTTPChecker("pcs", srv.URL)
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "500")
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	checker := NewHTTPChecker("pcs", "http://127.0.0.1:1/health")
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestStatusFlipsAfterRetries(t *testing.T) {
	status := NewStatus()
	bad := Result{Healthy: false}

	status.Update(bad, 3)
	assert.True(t, status.Healthy)
	status.Update(bad, 3)
	assert.True(t, status.Healthy)
	status.Update(bad, 3)
	assert.False(t, status.Healthy)

	status.Update(Result{Healthy: true}, 3)
	assert.True(t, status.Healthy)
	assert.Zero(t, status.ConsecutiveFailures)
}
