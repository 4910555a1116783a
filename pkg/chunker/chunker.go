// Package chunker splits byte streams into content-defined chunks.
//
// It wraps the Rabin fingerprint chunker so that two independent
// processes sharing the same polynomial split identical inputs at
// identical offsets, which is what makes deduplication work across
// machines and across time. The polynomial is chosen at repository init
// and recorded in the config.
package chunker

import (
	"fmt"
	"io"
	"strconv"

	"github.com/restic/chunker"
)

// Size boundaries: 1 MiB minimum, 16 MiB maximum. Only these bounds are
// configured; cut points between them come from the Rabin chunker's
// default split mask (20 bits), and no separate average size is set.
const (
	DefaultMinSize = 1 * 1024 * 1024
	DefaultMaxSize = 16 * 1024 * 1024
)

// BufSize is the buffer a caller should hand to Next: one maximum-size
// chunk.
const BufSize = DefaultMaxSize

// Pol is a chunking polynomial.
type Pol = chunker.Pol

// Chunk is one contiguous piece of the input. Data aliases the buffer
// passed to Next and must be copied before the next call.
type Chunk = chunker.Chunk

// RandomPolynomial draws a new irreducible polynomial for a fresh
// repository.
func RandomPolynomial() (Pol, error) {
	return chunker.RandomPolynomial()
}

// ParsePolynomial reads the hex form stored in the repository config.
func ParsePolynomial(s string) (Pol, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chunker polynomial %q: %w", s, err)
	}
	p := Pol(v)
	if !p.Irreducible() {
		return 0, fmt.Errorf("chunker polynomial %q is not irreducible", s)
	}
	return p, nil
}

// FormatPolynomial renders a polynomial for the repository config.
func FormatPolynomial(p Pol) string {
	return strconv.FormatUint(uint64(p), 16)
}

// Params configures a chunker instance.
type Params struct {
	MinSize uint
	MaxSize uint
}

// DefaultParams returns the engine's default boundaries
func DefaultParams() Params {
	return Params{MinSize: DefaultMinSize, MaxSize: DefaultMaxSize}
}

// Chunker produces a finite, in-order, non-restartable sequence of
// chunks covering rd exactly once. Every chunk length satisfies
// min ≤ len ≤ max except the final one, which may be shorter than min.
type Chunker struct {
	ch *chunker.Chunker
}

// New creates a chunker over rd with the given polynomial and params
func New(rd io.Reader, pol Pol, p Params) *Chunker {
	if p.MinSize == 0 || p.MaxSize == 0 {
		p = DefaultParams()
	}
	return &Chunker{ch: chunker.NewWithBoundaries(rd, pol, p.MinSize, p.MaxSize)}
}

// Next returns the next chunk, filling buf. It returns io.EOF after the
// final chunk has been delivered. buf must hold at least MaxSize bytes.
func (c *Chunker) Next(buf []byte) (Chunk, error) {
	return c.ch.Next(buf)
}
