package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func resetHealth() {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components = make(map[string]ComponentHealth)
}

func TestGetHealthAllHealthy(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")
	RegisterComponent("backends", true, "")

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("GetHealth().Status = %q, want healthy", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
}

func TestGetHealthUnhealthyComponent(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")
	RegisterComponent("backends", false, "probe failed")

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("GetHealth().Status = %q, want unhealthy", health.Status)
	}
}

func TestGetReadinessWaitsForCriticalComponents(t *testing.T) {
	resetHealth()

	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("GetReadiness().Status = %q, want not_ready before registration", readiness.Status)
	}

	RegisterComponent("store", true, "")
	RegisterComponent("backends", true, "")
	RegisterComponent("reconciler", true, "")

	readiness = GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("GetReadiness().Status = %q, want ready", readiness.Status)
	}
}

func TestHealthHandlerStatusCode(t *testing.T) {
	resetHealth()
	RegisterComponent("store", false, "closed")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("body.Status = %q, want unhealthy", body.Status)
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
