package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateStub domain.LinkState

func (s stateStub) State() domain.LinkState { return domain.LinkState(s) }

func TestHealthChecker_AllHealthy(t *testing.T) {
	h := NewHealthChecker()
	h.AddLinkCheck(stateStub(domain.LinkConnected))
	h.AddAudioCheck(func() bool { return true })

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["link"])
	assert.Equal(t, StatusHealthy, status.Checks["audio"])
}

func TestHealthChecker_NonCriticalDegrades(t *testing.T) {
	h := NewHealthChecker()
	h.AddLinkCheck(stateStub(domain.LinkReconnecting))

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Contains(t, status.Checks["link"], "reconnecting")
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_CriticalFails(t *testing.T) {
	h := NewHealthChecker()
	h.AddAudioCheck(func() bool { return false })
	h.AddCheck(HealthCheck{
		Name:     "hub",
		Critical: true,
		Check:    func(ctx context.Context) (bool, error) { return false, errors.New("closed") },
	})

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "closed", status.Checks["hub"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck(HealthCheck{
		Name:     "slow",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		Check: func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		},
	})

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthChecker_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHealthChecker()
	h.AddLinkCheck(stateStub(domain.LinkIdle))

	router := gin.New()
	router.GET("/health", h.Handler(func() map[string]any {
		return map[string]any{"clients": 2}
	}))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body.Status)
	assert.Equal(t, 2.0, body.Details["clients"])
}
