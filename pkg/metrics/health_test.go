package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func resetChecker() {
	checker = &healthChecker{
		components: make(map[string]componentState),
		startTime:  time.Now(),
	}
}

func TestGetHealthReflectsComponentState(t *testing.T) {
	resetChecker()
	SetVersion("1.2.3")
	RegisterComponent("api", true, "")
	RegisterComponent("raft", true, "")

	health := GetHealth()
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "1.2.3", health.Version)
	require.Len(t, health.Components, 2)

	UpdateComponent("raft", false, "leader not elected")
	health = GetHealth()
	require.Equal(t, "unhealthy", health.Status)
	require.Equal(t, "unhealthy: leader not elected", health.Components["raft"])
}

func TestGetReadinessUsesConfiguredCriticalComponents(t *testing.T) {
	resetChecker()
	SetCriticalComponents("raft", "api")
	RegisterComponent("raft", true, "")
	RegisterComponent("api", true, "")
	// An unhealthy non-critical component must not gate readiness.
	RegisterComponent("dashboard", false, "broken")

	readiness := GetReadiness()
	require.Equal(t, "ready", readiness.Status)
}

func TestGetReadinessWaitsForUnregisteredCritical(t *testing.T) {
	resetChecker()
	SetCriticalComponents("raft", "api")
	RegisterComponent("api", true, "")

	readiness := GetReadiness()
	require.Equal(t, "not_ready", readiness.Status)
	require.Equal(t, "not registered", readiness.Components["raft"])
	require.NotEmpty(t, readiness.Message)
}

func TestGetReadinessDefaultsToAllRegistered(t *testing.T) {
	resetChecker()
	RegisterComponent("worker", true, "")

	require.Equal(t, "ready", GetReadiness().Status)

	UpdateComponent("worker", false, "coordinator unreachable")
	require.Equal(t, "not_ready", GetReadiness().Status)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetChecker()
	RegisterComponent("api", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	UpdateComponent("api", false, "listener down")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	require.Equal(t, "unhealthy", health.Status)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	resetChecker()
	SetCriticalComponents("keystore")

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	RegisterComponent("keystore", true, "")
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetChecker()

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "alive", body["status"])
	require.NotEmpty(t, body["uptime"])
}
