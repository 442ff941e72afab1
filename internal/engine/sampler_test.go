package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/windlass-ml/windlass/internal/config"
)

func samplerConfig() config.Generation {
	return config.Generation{
		MaxTokens:   16,
		Temperature: 0,
		TopK:        0,
		TopP:        1.0,
		RepPenalty:  1.0,
		Seed:        42,
	}
}

func TestGreedyArgmax(t *testing.T) {
	s := NewSampler(samplerConfig())
	logits := []float32{0.1, 2.0, 0.5, 1.9}
	got, err := s.Sample(logits, nil)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got != 1 {
		t.Errorf("Sample = %d, want 1", got)
	}
}

func TestGreedyTieBreaksLowestID(t *testing.T) {
	s := NewSampler(samplerConfig())
	logits := []float32{1.0, 3.0, 3.0, 3.0}
	got, err := s.Sample(logits, nil)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got != 1 {
		t.Errorf("tied argmax = %d, want lowest id 1", got)
	}
}

func TestNaNLogitsFail(t *testing.T) {
	s := NewSampler(samplerConfig())
	logits := []float32{0.1, float32(math.NaN()), 0.5}
	if _, err := s.Sample(logits, nil); !errors.Is(err, ErrNumericInstability) {
		t.Fatalf("Sample with NaN: got %v, want ErrNumericInstability", err)
	}
	logits = []float32{0.1, float32(math.Inf(1)), 0.5}
	if _, err := s.Sample(logits, nil); !errors.Is(err, ErrNumericInstability) {
		t.Fatalf("Sample with Inf: got %v, want ErrNumericInstability", err)
	}
}

func TestRepetitionPenaltyDiscourages(t *testing.T) {
	cfg := samplerConfig()
	cfg.RepPenalty = 2.0
	s := NewSampler(cfg)

	// Token 0 leads, but appears in history; token 1 takes over once 0
	// is halved.
	logits := []float32{2.0, 1.5}
	got, err := s.Sample(logits, []int{0})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got != 1 {
		t.Errorf("penalized sample = %d, want 1", got)
	}
}

func TestRepetitionPenaltyNegativeLogits(t *testing.T) {
	cfg := samplerConfig()
	cfg.RepPenalty = 2.0
	s := NewSampler(cfg)

	// Negative logits get multiplied so the penalty still pushes the
	// token down.
	logits := []float32{-1.0, -1.5}
	got, err := s.Sample(logits, []int{0})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got != 1 {
		t.Errorf("penalized sample = %d, want 1", got)
	}
}

func TestTopKRestrictsSupport(t *testing.T) {
	cfg := samplerConfig()
	cfg.Temperature = 1.0
	cfg.TopK = 2
	s := NewSampler(cfg)

	logits := []float32{10, 9, -50, -50, -50}
	for i := 0; i < 50; i++ {
		got, err := s.Sample(append([]float32(nil), logits...), nil)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if got != 0 && got != 1 {
			t.Fatalf("top-k=2 sampled token %d outside the top two", got)
		}
	}
}

func TestTopKOneIsGreedy(t *testing.T) {
	cfg := samplerConfig()
	cfg.Temperature = 1.2
	cfg.TopK = 1
	s := NewSampler(cfg)

	logits := []float32{0.3, 1.1, -0.2, 0.9}
	for i := 0; i < 20; i++ {
		got, err := s.Sample(append([]float32(nil), logits...), nil)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if got != 1 {
			t.Fatalf("top-k=1 sampled token %d, want argmax 1", got)
		}
	}
}

func TestTopPRestrictsSupport(t *testing.T) {
	cfg := samplerConfig()
	cfg.Temperature = 1.0
	cfg.TopP = 0.5
	s := NewSampler(cfg)

	// Token 0 holds nearly all the mass; nucleus of 0.5 keeps only it.
	logits := []float32{10, 0, 0, 0}
	for i := 0; i < 50; i++ {
		got, err := s.Sample(append([]float32(nil), logits...), nil)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if got != 0 {
			t.Fatalf("top-p=0.5 sampled token %d, want 0", got)
		}
	}
}

func TestCountNonFinite(t *testing.T) {
	logits := []float32{
		1, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1)), 2,
	}
	nan, inf := countNonFinite(logits)
	if nan != 1 || inf != 2 {
		t.Errorf("countNonFinite = %d NaN / %d Inf, want 1/2", nan, inf)
	}
	nan, inf = countNonFinite([]float32{0.5, -0.5})
	if nan != 0 || inf != 0 {
		t.Errorf("finite logits counted %d NaN / %d Inf, want 0/0", nan, inf)
	}
}

func TestSeededDeterminism(t *testing.T) {
	cfg := samplerConfig()
	cfg.Temperature = 0.9
	cfg.TopK = 3

	logits := []float32{1, 2, 3, 2.5, 0.5}
	a := NewSampler(cfg)
	b := NewSampler(cfg)
	for i := 0; i < 20; i++ {
		x, err := a.Sample(append([]float32(nil), logits...), nil)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		y, err := b.Sample(append([]float32(nil), logits...), nil)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if x != y {
			t.Fatalf("draw %d diverged: %d vs %d", i, x, y)
		}
	}
}

func TestTemperatureSoftmaxNormalizes(t *testing.T) {
	probs := temperatureSoftmax([]float32{1, 2, 3, 1000}, 0.5)
	sum := 0.0
	for _, p := range probs {
		sum += p
		if math.IsNaN(p) {
			t.Fatal("softmax produced NaN on large logits")
		}
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("softmax sum = %f, want 1", sum)
	}
}
