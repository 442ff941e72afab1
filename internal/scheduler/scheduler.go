// Package scheduler admits generation requests against the shared
// memory pool. Requests whose projected footprint fits run at once, up
// to the worker limit; the rest wait in a bounded queue and are
// admitted greedily as running sessions release their reservations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/windlass-ml/windlass/internal/config"
	"github.com/windlass-ml/windlass/internal/engine"
	"github.com/windlass-ml/windlass/internal/logger"
	"github.com/windlass-ml/windlass/internal/metrics"
	"github.com/windlass-ml/windlass/internal/pool"
	"github.com/windlass-ml/windlass/internal/tokenizer"
)

// ErrPoolExhausted reports that a request could not run now and the
// deferred queue is full. Callers may retry later.
var ErrPoolExhausted = errors.New("pool exhausted and queue full")

// Request is one generation to run.
type Request struct {
	Prompt []int
	Gen    config.Generation
}

// Result carries the outcome of one request. Err is set when the
// request failed; the other fields still describe any partial output.
type Result struct {
	Tokens []int
	Text   string
	State  engine.State
	Err    error
}

type Scheduler struct {
	model *engine.Model
	pool  *pool.Pool
	tok   *tokenizer.Tokenizer
	col   *metrics.Collector

	sem        chan struct{} // worker slots
	queueDepth int

	mu      sync.Mutex
	waiting int
	// wake is closed and replaced on every release, broadcasting to all
	// queued waiters at once. A waiter that still cannot fit parks on
	// the next channel instead of re-posting a token to itself.
	wake chan struct{}
}

// New wires a scheduler over a loaded model. tok and col may be nil.
func New(m *engine.Model, p *pool.Pool, tok *tokenizer.Tokenizer, rt config.Runtime, col *metrics.Collector) (*Scheduler, error) {
	if err := rt.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		model:      m,
		pool:       p,
		tok:        tok,
		col:        col,
		sem:        make(chan struct{}, rt.Workers),
		queueDepth: rt.QueueDepth,
		wake:       make(chan struct{}),
	}, nil
}

// Submit runs one request to completion and returns its result. It
// blocks while the request waits for a worker slot or pool capacity;
// ctx cancels both the wait and the decode.
func (s *Scheduler) Submit(ctx context.Context, req Request) Result {
	return s.submit(ctx, req, nil)
}

// Stream is Submit with a per-token callback, invoked in the decode
// goroutine. Returning false from the callback cancels the session.
func (s *Scheduler) Stream(ctx context.Context, req Request, callback func(token int, text string) bool) Result {
	return s.submit(ctx, req, callback)
}

func (s *Scheduler) submit(ctx context.Context, req Request, callback func(int, string) bool) Result {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	defer func() { <-s.sem }()

	sess, err := s.admit(ctx, req)
	if err != nil {
		return Result{Err: err}
	}

	err = sess.Run(ctx, callback)
	s.signal()

	res := Result{
		Tokens: sess.Tokens(),
		Text:   sess.Text(),
		State:  sess.State(),
		Err:    err,
	}
	if res.Err == nil && sess.State() == engine.StateFailed {
		res.Err = sess.Err()
	}
	return res
}

// admit creates the session once its projected footprint fits the
// pool. A request that cannot run now joins the bounded queue; when
// the queue is full it fails with ErrPoolExhausted.
func (s *Scheduler) admit(ctx context.Context, req Request) (*engine.Session, error) {
	footprint := engine.SessionFootprint(s.model, len(req.Prompt), req.Gen)
	if footprint > s.pool.Capacity() {
		return nil, fmt.Errorf("%w: request needs %d bytes, pool capacity %d",
			ErrPoolExhausted, footprint, s.pool.Capacity())
	}

	queued := false
	defer func() {
		if queued {
			s.leaveQueue()
		}
	}()

	for {
		s.mu.Lock()
		if footprint <= s.pool.Available() {
			sess, err := engine.NewSession(s.model, s.pool, s.tok, req.Gen, req.Prompt, s.col)
			if err == nil || !errors.Is(err, pool.ErrOutOfMemory) {
				s.mu.Unlock()
				return sess, err
			}
			// Free-list fragmentation can still lose the race against
			// the projection; fall through and wait like any other
			// deferred request.
			logger.Log.Warn("admission raced pool capacity", "footprint", footprint)
		}

		if !queued {
			if s.waiting >= s.queueDepth {
				s.mu.Unlock()
				if s.col != nil {
					s.col.RecordPoolRejection()
				}
				metrics.SchedulerRejections.Inc()
				return nil, fmt.Errorf("%w: %d requests already deferred", ErrPoolExhausted, s.waiting)
			}
			s.waiting++
			queued = true
			metrics.SessionsQueued.Inc()
		}
		// Grab the current wake channel under the same lock as the
		// capacity check so a release in between still reaches us.
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Scheduler) leaveQueue() {
	s.mu.Lock()
	s.waiting--
	s.mu.Unlock()
	metrics.SessionsQueued.Dec()
}

// signal broadcasts a capacity release to every queued waiter.
func (s *Scheduler) signal() {
	s.mu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

// Generate runs a batch and returns one result per request, in request
// order. Elements are isolated: one failing or getting rejected leaves
// the others untouched.
func (s *Scheduler) Generate(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			results[i] = s.Submit(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}
