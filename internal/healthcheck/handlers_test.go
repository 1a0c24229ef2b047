package healthcheck

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler_NotReady(t *testing.T) {
	tracker := NewTracker()
	rec := httptest.NewRecorder()
	HealthHandler(tracker)(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthHandler_Healthy(t *testing.T) {
	tracker := NewTracker()
	tracker.Started(3)
	tracker.RecordCounts(3, 0)

	rec := httptest.NewRecorder()
	HealthHandler(tracker)(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.RunnersTotal != 3 || snapshot.RunnersRunning != 3 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestHealthHandler_AllGivenUp(t *testing.T) {
	tracker := NewTracker()
	tracker.Started(2)
	tracker.RecordCounts(0, 2)

	rec := httptest.NewRecorder()
	HealthHandler(tracker)(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503 when every runner gave up", rec.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	tracker := NewTracker()
	rec := httptest.NewRecorder()
	ReadyHandler(tracker)(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503 before start", rec.Code)
	}

	tracker.Started(1)
	rec = httptest.NewRecorder()
	ReadyHandler(tracker)(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200 after start", rec.Code)
	}
}
