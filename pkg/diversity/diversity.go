// Package diversity implements the NCD-over-a-set kernel (backed by LZ4
// compressed length) and the normalized Levenshtein distance used as its
// two-entry alternative, plus the amortised scratch buffers both share.
package diversity

import (
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// ErrCompressFailed is returned when the LZ4 compressor returns an error on
// non-empty input. A zero-length result is not an error: CompressedLen
// treats it as incompressible.
var ErrCompressFailed = errors.New("diversity: lz4 compress failed")

// Scratch holds the two process-wide buffers the kernel reuses across
// calls: an uncompressed concatenation buffer and its LZ4 destination
// buffer. Both grow monotonically to the next power of two of the
// high-water mark total input size ever seen, never shrinking.
//
// Not safe for concurrent use; callers serialize access (spec §5/§9: one
// explicit state object, no free-function singleton, single-writer use).
type Scratch struct {
	prev         int
	uncompressed []byte
	compressed   []byte
	compressor   lz4.Compressor
}

// NewScratch returns an empty Scratch; buffers are allocated lazily on
// first use.
func NewScratch() *Scratch {
	return &Scratch{}
}

func (s *Scratch) ensure(total int) {
	if total <= s.prev {
		return
	}

	next := nextPow2(total)
	s.prev = next
	s.uncompressed = make([]byte, 0, next)
	s.compressed = make([]byte, lz4.CompressBlockBound(next))
}

func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}

	p := 1
	for p < n {
		p <<= 1
	}

	return p
}

// CompressedLen returns the LZ4-compressed length of data — the `C(x)`
// primitive the spec's NCD formula is built from. Returns (0, nil) for
// empty input.
func (s *Scratch) CompressedLen(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	s.ensure(len(data))

	n, err := s.compressor.CompressBlock(data, s.compressed)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCompressFailed, err)
	}

	if n == 0 {
		// pierrec/lz4 returns (0, nil) for incompressible input — any block
		// under its minimum non-literal size, or high-entropy data — not a
		// compressor failure. Fuzzer testcases are overwhelmingly short, so
		// this is the common case, not an error path. Fall back to the
		// uncompressed length as C(x).
		return len(data), nil
	}

	return n, nil
}

// concatExcept concatenates atoms in order, skipping the element at index
// skip (pass -1 to include all), reusing the scratch's uncompressed buffer.
// The returned slice is only valid until the next call that touches s.
func (s *Scratch) concatExcept(atoms [][]byte, skip int) []byte {
	total := 0

	for i, a := range atoms {
		if i == skip {
			continue
		}

		total += len(a)
	}

	s.ensure(total)

	buf := s.uncompressed[:0]
	for i, a := range atoms {
		if i == skip {
			continue
		}

		buf = append(buf, a...)
	}

	return buf
}

// NCD computes the Normalized Compression Distance over a set of atoms, in
// the given order (concatenation order is the caller's contract to keep
// stable if determinism is required).
//
// NCD({x}) == 0. Result is (fullC - minC) / maxSubC, or 0 if maxSubC == 0.
func NCD(atoms [][]byte, scratch *Scratch) (float64, error) {
	if len(atoms) == 0 {
		return 0, nil
	}

	minC := -1

	for _, atom := range atoms {
		c, err := scratch.CompressedLen(atom)
		if err != nil {
			return 0, err
		}

		if minC == -1 || c < minC {
			minC = c
		}
	}

	fullC, err := scratch.CompressedLen(scratch.concatExcept(atoms, -1))
	if err != nil {
		return 0, err
	}

	maxSubC := 0

	for i := range atoms {
		c, err := scratch.CompressedLen(scratch.concatExcept(atoms, i))
		if err != nil {
			return 0, err
		}

		if c > maxSubC {
			maxSubC = c
		}
	}

	if maxSubC == 0 {
		return 0, nil
	}

	return float64(fullC-minC) / float64(maxSubC), nil
}

// NormalizedLevenshtein returns the normalized edit distance between a and
// b, for the K=2 reservoir configuration: editDistance / len1, where len1
// is the longer of the two lengths. Identical inputs (including both
// empty) return 0; completely disjoint inputs approach 1.
func NormalizedLevenshtein(a, b []byte) float64 {
	if string(a) == string(b) {
		return 0
	}

	dist := levenshtein(a, b)

	len1 := len(a)
	if len(b) > len1 {
		len1 = len(b)
	}

	return float64(dist) / float64(len1)
}

// levenshtein computes the full edit distance between a and b using the
// standard two-row dynamic-programming table (deliberately not the
// truncated single-row variant that under-counts near the end).
func levenshtein(a, b []byte) int {
	if len(a) == 0 {
		return len(b)
	}

	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost

			curr[j] = min3(del, ins, sub)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
