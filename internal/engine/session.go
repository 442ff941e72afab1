package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windlass-ml/windlass/internal/config"
	"github.com/windlass-ml/windlass/internal/logger"
	"github.com/windlass-ml/windlass/internal/metrics"
	"github.com/windlass-ml/windlass/internal/pool"
	"github.com/windlass-ml/windlass/internal/tokenizer"
)

// State is the lifecycle of a generation session. Transitions only
// move forward; the four terminal states never change again.
type State int32

const (
	StateInitialized State = iota
	StatePrefilling
	StateDecoding
	StateCompleted
	StateStopped
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StatePrefilling:
		return "prefilling"
	case StateDecoding:
		return "decoding"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Session runs one autoregressive generation over a shared model.
// Step and Run must be driven from one goroutine; Cancel, State and
// Result are safe from any goroutine.
type Session struct {
	model   *Model
	tok     *tokenizer.Tokenizer
	cache   *KVCache
	fwd     *forward
	sampler *Sampler
	gen     config.Generation
	col     *metrics.Collector

	prompt     []int
	capTokens  int
	lastLogits []float32

	state     atomic.Int32
	cancelled atomic.Bool

	mu        sync.Mutex
	history   []int // prompt + generated
	generated []int
	text      strings.Builder
	trimmed   string // final text with any stop suffix removed
	trimSet   bool
	err       error

	closeOnce sync.Once
}

// SessionFootprint predicts the total pool bytes a session over the
// given prompt needs: its KV cache plus activation scratch. The
// scheduler admits against this before NewSession allocates anything.
func SessionFootprint(m *Model, promptLen int, gen config.Generation) int64 {
	capTokens := contextCap(m.Config, promptLen, gen)
	return Footprint(m.Config, capTokens) + ScratchFootprint(m, capTokens)
}

func contextCap(cfg config.Model, promptLen int, gen config.Generation) int {
	capTokens := promptLen + gen.MaxTokens
	if capTokens > cfg.SeqLen {
		capTokens = cfg.SeqLen
	}
	return capTokens
}

// NewSession reserves the session's full pool footprint up front. tok
// may be nil, which disables text stop sequences and decoded output.
func NewSession(m *Model, p *pool.Pool, tok *tokenizer.Tokenizer, gen config.Generation, prompt []int, col *metrics.Collector) (*Session, error) {
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	if len(prompt) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	if len(prompt) >= m.Config.SeqLen {
		return nil, fmt.Errorf("%w: prompt of %d tokens, context %d", ErrContextOverflow, len(prompt), m.Config.SeqLen)
	}
	for i, t := range prompt {
		if t < 0 || t >= m.Config.VocabSize {
			return nil, fmt.Errorf("prompt token %d out of vocabulary: %d", i, t)
		}
	}

	capTokens := contextCap(m.Config, len(prompt), gen)
	cache, err := NewKVCache(p, m.Config, capTokens, col)
	if err != nil {
		return nil, err
	}
	fwd, err := newForward(m, cache, p, capTokens, m.Config.Heads)
	if err != nil {
		cache.Close()
		return nil, err
	}

	m.Acquire()
	s := &Session{
		model:     m,
		tok:       tok,
		cache:     cache,
		fwd:       fwd,
		sampler:   NewSampler(gen),
		gen:       gen,
		col:       col,
		prompt:    prompt,
		capTokens: capTokens,
		history:   append([]int(nil), prompt...),
	}
	metrics.SessionsActive.Inc()
	return s, nil
}

// Cancel requests a cooperative stop. It returns immediately; the
// session observes the flag at its next step boundary and transitions
// to Cancelled with the tokens generated so far intact.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the error that moved the session to Failed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Step produces the next token. done is true once the session reached
// a terminal state; further calls keep returning done without error.
func (s *Session) Step() (token int, done bool, err error) {
	st := s.State()
	if st.Terminal() {
		return 0, true, nil
	}
	if s.cancelled.Load() {
		s.finish(StateCancelled, nil)
		return 0, true, nil
	}

	if st == StateInitialized {
		if err := s.prefill(); err != nil {
			s.finish(StateFailed, err)
			return 0, true, err
		}
		if s.cancelled.Load() {
			s.finish(StateCancelled, nil)
			return 0, true, nil
		}
	}

	start := time.Now()
	next, err := s.sampler.Sample(s.lastLogits, s.snapshotHistory())
	if err != nil {
		if s.col != nil && errors.Is(err, ErrNumericInstability) {
			nan, inf := countNonFinite(s.lastLogits)
			s.col.RecordInstability("logits", nan, inf)
		}
		s.finish(StateFailed, err)
		return 0, true, err
	}

	if next == s.model.Config.EOSToken {
		s.finish(StateCompleted, nil)
		return 0, true, nil
	}

	s.append(next)
	if s.col != nil {
		s.col.RecordStep(time.Since(start))
	}

	if s.matchStop() {
		s.finish(StateStopped, nil)
		return next, true, nil
	}
	if len(s.generated) >= s.gen.MaxTokens {
		s.finish(StateCompleted, nil)
		return next, true, nil
	}

	// Advance the model so the next Step has logits ready.
	logits, err := s.fwd.step(next)
	if err != nil {
		s.finish(StateFailed, err)
		return next, true, err
	}
	s.lastLogits = logits
	return next, false, nil
}

// Run drives the session to completion, invoking callback for every
// generated token with its decoded text. A false return from callback
// cancels the session, as does ctx.
func (s *Session) Run(ctx context.Context, callback func(token int, text string) bool) error {
	for {
		select {
		case <-ctx.Done():
			s.Cancel()
		default:
		}

		before := len(s.Tokens())
		token, done, err := s.Step()
		if err != nil {
			return err
		}
		// Only tokens that survive into the result are streamed; a
		// matched stop sequence is trimmed before we get here.
		if callback != nil && len(s.Tokens()) > before {
			piece := ""
			if s.tok != nil {
				piece = s.tok.Decode([]int{token})
			}
			if !callback(token, piece) {
				s.Cancel()
			}
		}
		if done {
			return nil
		}
	}
}

// prefill pushes the prompt through the model, leaving the logits of
// its last token ready for sampling.
func (s *Session) prefill() error {
	s.state.Store(int32(StatePrefilling))
	start := time.Now()

	var logits []float32
	for _, t := range s.prompt {
		var err error
		logits, err = s.fwd.step(t)
		if err != nil {
			return err
		}
	}
	s.lastLogits = logits

	if s.col != nil {
		s.col.RecordPrompt(len(s.prompt))
	}
	metrics.RecordPrefill(len(s.prompt), time.Since(start))
	logger.Log.Debug("prefill complete", "tokens", len(s.prompt), "duration", time.Since(start))

	s.state.Store(int32(StateDecoding))
	return nil
}

func (s *Session) append(token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generated = append(s.generated, token)
	s.history = append(s.history, token)
	if s.tok != nil {
		s.text.WriteString(s.tok.Decode([]int{token}))
	}
}

func (s *Session) snapshotHistory() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

// matchStop checks the configured stop conditions against the output
// suffix. A token-id match trims the matched tokens from the result; a
// text match trims the matched text. Returns true when the session
// should stop.
func (s *Session) matchStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seq := range s.gen.StopSequences {
		if hasSuffix(s.generated, seq) {
			s.generated = s.generated[:len(s.generated)-len(seq)]
			if s.tok != nil {
				s.trimmed = s.tok.Decode(s.generated)
			}
			s.trimSet = true
			return true
		}
	}

	if s.tok != nil {
		text := s.text.String()
		for _, stop := range s.gen.StopTexts {
			if stop != "" && strings.HasSuffix(text, stop) {
				s.trimmed = strings.TrimSuffix(text, stop)
				s.trimSet = true
				return true
			}
		}
	}
	return false
}

func hasSuffix(tokens, suffix []int) bool {
	if len(suffix) == 0 || len(suffix) > len(tokens) {
		return false
	}
	off := len(tokens) - len(suffix)
	for i, t := range suffix {
		if tokens[off+i] != t {
			return false
		}
	}
	return true
}

func (s *Session) finish(st State, err error) {
	s.mu.Lock()
	s.err = err
	if !s.trimSet {
		s.trimmed = s.text.String()
		s.trimSet = true
	}
	s.mu.Unlock()
	s.state.Store(int32(st))

	if s.col != nil {
		s.col.RecordSessionEnd(st.String())
	}
	if err != nil {
		logger.Log.Error("session failed", "error", err, "generated", len(s.Tokens()))
	}
	s.Close()
}

// Tokens returns a copy of the generated tokens, with any matched stop
// sequence excluded.
func (s *Session) Tokens() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.generated...)
}

// Text returns the decoded output with any matched stop text excluded.
// Empty when the session has no tokenizer.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State().Terminal() {
		return s.trimmed
	}
	return s.text.String()
}

// Close releases the session's pool reservations. Called automatically
// on terminal transitions; safe to call again.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.fwd.close()
		s.cache.Close()
		s.model.Release()
		metrics.SessionsActive.Dec()
	})
}
