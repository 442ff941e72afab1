// Package tokenizer implements a byte-level tokenizer with an optional
// vocabulary of multi-byte pieces. Without a vocabulary it degenerates
// to one token per byte, which keeps Encode/Decode exact for any input.
package tokenizer

import (
	"fmt"
	"strings"
)

// Reserved token ids. Raw bytes occupy ids 3..258; vocabulary pieces
// start at 259.
const (
	PadID = 0
	BosID = 1
	EosID = 2

	byteBase  = 3
	pieceBase = byteBase + 256
)

type Tokenizer struct {
	pieces []string
	vocab  map[string]int

	maxPieceLen int
}

// New builds a tokenizer over the given vocabulary pieces. Pieces get
// ids pieceBase+i in order; duplicates are rejected. A nil or empty
// slice yields a pure byte-level tokenizer.
func New(pieces []string) (*Tokenizer, error) {
	t := &Tokenizer{
		pieces: pieces,
		vocab:  make(map[string]int, len(pieces)),
	}
	for i, p := range pieces {
		if p == "" {
			return nil, fmt.Errorf("empty vocabulary piece at index %d", i)
		}
		if _, ok := t.vocab[p]; ok {
			return nil, fmt.Errorf("duplicate vocabulary piece %q", p)
		}
		t.vocab[p] = pieceBase + i
		if len(p) > t.maxPieceLen {
			t.maxPieceLen = len(p)
		}
	}
	return t, nil
}

// VocabSize is the total id space: reserved ids, 256 byte tokens, and
// the vocabulary pieces.
func (t *Tokenizer) VocabSize() int {
	return pieceBase + len(t.pieces)
}

// Encode maps text to token ids using greedy longest-match against
// the vocabulary, falling back to single byte tokens. The same input
// always yields the same ids.
func (t *Tokenizer) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for i := 0; i < len(text); {
		matched := 0
		if t.maxPieceLen > 0 {
			limit := t.maxPieceLen
			if rem := len(text) - i; rem < limit {
				limit = rem
			}
			for n := limit; n > 0; n-- {
				if id, ok := t.vocab[text[i:i+n]]; ok {
					ids = append(ids, id)
					matched = n
					break
				}
			}
		}
		if matched == 0 {
			ids = append(ids, byteBase+int(text[i]))
			matched = 1
		}
		i += matched
	}
	return ids
}

// Decode maps token ids back to text. Reserved and out-of-range ids
// decode to nothing.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		switch {
		case id >= pieceBase && id < pieceBase+len(t.pieces):
			sb.WriteString(t.pieces[id-pieceBase])
		case id >= byteBase && id < pieceBase:
			sb.WriteByte(byte(id - byteBase))
		}
	}
	return sb.String()
}
