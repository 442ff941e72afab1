package monitoring

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/windlass-ml/windlass/internal/config"
	"github.com/windlass-ml/windlass/internal/metrics"
	"github.com/windlass-ml/windlass/internal/pool"
)

func TestHandleHealth(t *testing.T) {
	hm := NewHealthMonitor(nil, nil, nil)
	rec := httptest.NewRecorder()
	hm.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %q, want healthy", body["status"])
	}
}

func TestStatusDocument(t *testing.T) {
	cfg := config.Model{Architecture: "llama", Layers: 4, Dim: 64, VocabSize: 100, SeqLen: 256}
	p, err := pool.New(1 << 20)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	var col metrics.Collector
	col.RecordPrompt(3)
	col.RecordStep(10 * time.Millisecond)

	hm := NewHealthMonitor(&cfg, p, &col)
	rec := httptest.NewRecorder()
	hm.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))

	var s Status
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !s.Model.Loaded || s.Model.Layers != 4 {
		t.Errorf("model info = %+v", s.Model)
	}
	if s.Pool.CapacityBytes != 1<<20 {
		t.Errorf("pool capacity = %d, want %d", s.Pool.CapacityBytes, 1<<20)
	}
	if s.Inference.TokensGenerated != 1 || s.Inference.PromptTokens != 3 {
		t.Errorf("inference info = %+v", s.Inference)
	}
	if s.System.NumCPU <= 0 {
		t.Errorf("system info missing: %+v", s.System)
	}
}

func TestStatusWithoutModel(t *testing.T) {
	hm := NewHealthMonitor(nil, nil, nil)
	s := hm.status()
	if s.Model.Loaded {
		t.Error("no model configured, Loaded should be false")
	}
	if s.Status != "healthy" {
		t.Errorf("status = %q, want healthy", s.Status)
	}
}
