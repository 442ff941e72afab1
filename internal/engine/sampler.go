package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/windlass-ml/windlass/internal/config"
)

// Sampler turns a logit vector into a token id. The pipeline is fixed:
// repetition penalty, then greedy argmax at temperature zero, else
// temperature scaling, softmax, top-k, top-p, and a seeded draw. The
// same seed and inputs always produce the same token.
type Sampler struct {
	Config config.Generation
	rng    *rand.Rand
}

func NewSampler(cfg config.Generation) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample picks the next token. The logits slice is modified in place
// by the repetition penalty. history is the full token sequence so
// far, prompt included.
func (s *Sampler) Sample(logits []float32, history []int) (int, error) {
	if err := validateLogits(logits); err != nil {
		return 0, err
	}

	if s.Config.RepPenalty > 1.0 && len(history) > 0 {
		s.applyRepetitionPenalty(logits, history)
	}

	if s.Config.Temperature == 0 {
		return argMax(logits), nil
	}

	probs := temperatureSoftmax(logits, s.Config.Temperature)

	candidates := make([]tokenProb, len(probs))
	for i, p := range probs {
		candidates[i] = tokenProb{id: i, prob: p}
	}
	// Stable keeps the lower id first among equal probabilities, so
	// truncation is deterministic.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)

	return s.draw(candidates), nil
}

// countNonFinite tallies NaN and Inf entries separately so failure
// reports can label which kind was seen.
func countNonFinite(logits []float32) (nan, inf int) {
	for _, v := range logits {
		if math.IsNaN(float64(v)) {
			nan++
		} else if math.IsInf(float64(v), 0) {
			inf++
		}
	}
	return nan, inf
}

func validateLogits(logits []float32) error {
	if nan, inf := countNonFinite(logits); nan > 0 || inf > 0 {
		return ErrNumericInstability
	}
	return nil
}

// argMax returns the index of the largest logit, preferring the lowest
// index on ties.
func argMax(logits []float32) int {
	maxIdx := 0
	maxVal := logits[0]
	for i, v := range logits {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	return maxIdx
}

// temperatureSoftmax computes softmax(logits/temperature) with the max
// subtracted first so large logits don't overflow.
func temperatureSoftmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / temperature
	}

	maxVal := probs[0]
	for _, v := range probs {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// applyRepetitionPenalty divides positive logits and multiplies
// negative ones for every distinct token in the recent history, so the
// penalty always pushes probability down.
func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int) {
	seen := make(map[int]struct{})
	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}

	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if id >= 0 && id < len(logits) {
			if logits[id] > 0 {
				logits[id] /= float32(s.Config.RepPenalty)
			} else {
				logits[id] *= float32(s.Config.RepPenalty)
			}
		}
	}
}

type tokenProb struct {
	id   int
	prob float64
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix of the sorted candidates whose
// cumulative probability reaches p. The first candidate always
// survives, even when its mass alone exceeds p.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}

// draw samples proportionally from the surviving candidates,
// renormalizing over their total mass.
func (s *Sampler) draw(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}
