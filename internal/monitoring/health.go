// Package monitoring serves the HTTP surface of a running process:
// liveness, a detailed status document, and the Prometheus scrape
// endpoint.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/windlass-ml/windlass/internal/config"
	"github.com/windlass-ml/windlass/internal/logger"
	"github.com/windlass-ml/windlass/internal/metrics"
	"github.com/windlass-ml/windlass/internal/pool"
)

// Status is the document served on /status.
type Status struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Model     ModelInfo     `json:"model"`
	Pool      PoolInfo      `json:"pool"`
	Inference InferenceInfo `json:"inference"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type ModelInfo struct {
	Loaded       bool   `json:"loaded"`
	Architecture string `json:"architecture,omitempty"`
	Layers       int    `json:"layers,omitempty"`
	Dim          int    `json:"dim,omitempty"`
	VocabSize    int    `json:"vocab_size,omitempty"`
	SeqLen       int    `json:"seq_len,omitempty"`
}

type PoolInfo struct {
	CapacityBytes int64 `json:"capacity_bytes"`
	UsedBytes     int64 `json:"used_bytes"`
	PeakBytes     int64 `json:"peak_bytes"`
}

type InferenceInfo struct {
	TokensGenerated   int64   `json:"tokens_generated"`
	PromptTokens      int64   `json:"prompt_tokens"`
	TokensPerSecond   float64 `json:"tokens_per_second"`
	SessionsCompleted int64   `json:"sessions_completed"`
	SessionsFailed    int64   `json:"sessions_failed"`
	SessionsCancelled int64   `json:"sessions_cancelled"`
	KVEvictions       int64   `json:"kv_evictions"`
	PoolRejections    int64   `json:"pool_rejections"`
	Instability       int64   `json:"instability_detected"`
}

// HealthMonitor serves health and status over HTTP. Model, pool, and
// collector are optional; absent pieces report as zero values.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server

	modelCfg *config.Model
	pool     *pool.Pool
	col      *metrics.Collector
}

func NewHealthMonitor(modelCfg *config.Model, p *pool.Pool, col *metrics.Collector) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		modelCfg:  modelCfg,
		pool:      p,
		col:       col,
	}
}

// Start serves until Stop or a listener error. Blocking.
func (hm *HealthMonitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleStatus)

	hm.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.Info("health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.status())
}

func (hm *HealthMonitor) status() Status {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := Status{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			MemoryMB:     int(m.Sys / 1024 / 1024),
			MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		},
	}

	if hm.modelCfg != nil {
		s.Model = ModelInfo{
			Loaded:       true,
			Architecture: hm.modelCfg.Architecture,
			Layers:       hm.modelCfg.Layers,
			Dim:          hm.modelCfg.Dim,
			VocabSize:    hm.modelCfg.VocabSize,
			SeqLen:       hm.modelCfg.SeqLen,
		}
	}
	if hm.pool != nil {
		s.Pool = PoolInfo{
			CapacityBytes: hm.pool.Capacity(),
			UsedBytes:     hm.pool.Used(),
			PeakBytes:     hm.pool.Peak(),
		}
	}
	if hm.col != nil {
		snap := hm.col.Snapshot()
		s.Inference = InferenceInfo{
			TokensGenerated:   snap.TokensGenerated,
			PromptTokens:      snap.PromptTokens,
			TokensPerSecond:   snap.TokensPerSecond(),
			SessionsCompleted: snap.SessionsCompleted,
			SessionsFailed:    snap.SessionsFailed,
			SessionsCancelled: snap.SessionsCancelled,
			KVEvictions:       snap.KVEvictions,
			PoolRejections:    snap.PoolRejections,
			Instability:       snap.InstabilityDetected,
		}
	}
	return s
}
