package engine

import "errors"

var (
	// ErrContextOverflow reports that a session's KV cache is full and
	// no further tokens can be appended.
	ErrContextOverflow = errors.New("context window exceeded")

	// ErrNumericInstability reports NaN or Inf values in the logits of
	// a forward pass. The session that hit it transitions to Failed.
	ErrNumericInstability = errors.New("numeric instability in forward pass")
)
