package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/windlass-ml/windlass/internal/config"
	"github.com/windlass-ml/windlass/internal/loader"
	"github.com/windlass-ml/windlass/internal/logger"
	"github.com/windlass-ml/windlass/internal/metrics"
	"github.com/windlass-ml/windlass/internal/monitoring"
	"github.com/windlass-ml/windlass/internal/pool"
	"github.com/windlass-ml/windlass/internal/quant"
	"github.com/windlass-ml/windlass/internal/scheduler"
	"github.com/windlass-ml/windlass/internal/tokenizer"
	"github.com/windlass-ml/windlass/internal/trace"
)

var (
	modelName   = flag.String("model", "", "Model name in the cache directory, or 'synthetic' for generated weights")
	cacheDir    = flag.String("cache-dir", "", "Model cache directory (default ~/.windlass/models)")
	method      = flag.String("quant", "q8", "Quantization method: q4 or q8")
	promptText  = flag.String("prompt", "Hello world", "Prompt to generate from")
	maxTokens   = flag.Int("n", 64, "Maximum number of tokens to generate")
	temperature = flag.Float64("temperature", 0.7, "Sampling temperature, 0 for greedy")
	topK        = flag.Int("top-k", 40, "Top-k cutoff, 0 disables")
	topP        = flag.Float64("top-p", 0.95, "Top-p nucleus cutoff")
	repPenalty  = flag.Float64("rep-penalty", 1.1, "Repetition penalty, 1.0 disables")
	seed        = flag.Int64("seed", 0, "Sampling seed, 0 picks one")
	stopText    = flag.String("stop", "", "Comma-separated stop strings")
	poolMB      = flag.Int64("pool-mb", 256, "Scratch pool capacity in MiB")
	workers     = flag.Int("workers", 4, "Concurrent session limit")
	queueDepth  = flag.Int("queue", 16, "Deferred request queue depth")
	healthAddr  = flag.String("health", ":9090", "Health and metrics listen address")
	traceAddr   = flag.String("trace", "", "Arrow Flight collector address for step traces")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	if *modelName == "" {
		fmt.Fprintln(os.Stderr, "Error: --model flag is required")
		flag.Usage()
		os.Exit(1)
	}

	qm, err := quant.MethodFromString(*method)
	if err != nil {
		logger.Log.Error("invalid quant method", "error", err)
		os.Exit(1)
	}

	src, err := openSource(*modelName, *cacheDir)
	if err != nil {
		logger.Log.Error("failed to open model", "model", *modelName, "error", err)
		os.Exit(1)
	}

	model, err := loader.Load(src, qm)
	if err != nil {
		logger.Log.Error("failed to load model", "model", *modelName, "error", err)
		os.Exit(1)
	}
	if c, ok := src.(interface{ Close() error }); ok {
		c.Close()
	}

	p, err := pool.New(*poolMB << 20)
	if err != nil {
		logger.Log.Error("failed to create pool", "error", err)
		os.Exit(1)
	}

	tok, err := tokenizer.New(nil)
	if err != nil {
		logger.Log.Error("failed to create tokenizer", "error", err)
		os.Exit(1)
	}

	var col metrics.Collector
	rt := config.Runtime{
		PoolBytes:  *poolMB << 20,
		Workers:    *workers,
		QueueDepth: *queueDepth,
		CacheDir:   *cacheDir,
	}
	sched, err := scheduler.New(model, p, tok, rt, &col)
	if err != nil {
		logger.Log.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	hm := monitoring.NewHealthMonitor(&model.Config, p, &col)
	go func() {
		if err := hm.Start(*healthAddr); err != nil {
			logger.Log.Warn("health monitor stopped", "error", err)
		}
	}()

	var exporter *trace.Exporter
	if *traceAddr != "" {
		exporter, err = trace.Dial(context.Background(), *traceAddr, 64)
		if err != nil {
			logger.Log.Warn("trace collector unreachable, continuing without traces", "error", err)
		} else {
			defer exporter.Close()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gen := config.Generation{
		MaxTokens:   *maxTokens,
		Temperature: *temperature,
		TopK:        *topK,
		TopP:        *topP,
		RepPenalty:  *repPenalty,
		Seed:        *seed,
	}
	if *stopText != "" {
		gen.StopTexts = strings.Split(*stopText, ",")
	}

	prompt := append([]int{tokenizer.BosID}, tok.Encode(*promptText)...)
	logger.Log.Info("starting generation",
		"model", *modelName,
		"prompt_tokens", len(prompt),
		"max_tokens", *maxTokens)

	start := time.Now()
	step := 0
	res := sched.Stream(ctx, scheduler.Request{Prompt: prompt, Gen: gen},
		func(token int, text string) bool {
			fmt.Print(text)
			exporter.Record(trace.Step{
				SessionID: *modelName,
				Step:      step,
				Token:     token,
				Position:  len(prompt) + step,
				Duration:  time.Since(start),
			})
			step++
			return true
		})
	fmt.Println()
	exporter.Flush()

	if res.Err != nil {
		logger.Log.Error("generation failed", "error", res.Err)
		os.Exit(1)
	}

	duration := time.Since(start)
	snap := col.Snapshot()
	logger.Log.Info("generation complete",
		"state", res.State.String(),
		"tokens", len(res.Tokens),
		"duration", duration,
		"tokens_per_sec", fmt.Sprintf("%.2f", snap.TokensPerSecond()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	hm.Stop(shutdownCtx)
}

// openSource resolves a model name to a weight source. The reserved
// name "synthetic" generates a small deterministic model, useful for
// smoke tests and benchmarks.
func openSource(name, cacheDir string) (loader.WeightSource, error) {
	if name == "synthetic" {
		cfg := config.DefaultModel()
		cfg.Architecture = "llama"
		cfg.Dim = 256
		cfg.HiddenDim = 688
		cfg.Layers = 4
		cfg.Heads = 8
		cfg.KVHeads = 4
		cfg.HeadDim = 32
		cfg.VocabSize = 2048
		cfg.SeqLen = 512
		cfg.EOSToken = tokenizer.EosID
		cfg.BOSToken = tokenizer.BosID
		return loader.NewSynthetic(cfg, 1), nil
	}

	if cacheDir == "" {
		var err error
		cacheDir, err = loader.DefaultCacheDir()
		if err != nil {
			return nil, err
		}
	}
	return loader.Open(cacheDir, name)
}
