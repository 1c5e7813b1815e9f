// Package favored implements the NCDm-favored greedy set cover: selecting
// the smallest, most mutually-diverse subset of queue entries whose
// minified traces together cover every edge ever discovered.
package favored

import (
	"fmt"

	"github.com/fuzzkit/curator/pkg/diversity"
)

// Candidate is the minimal view of a queue entry the greedy cover needs.
// Callers adapt their concrete entry type (e.g. *reservoir.Entry) to this.
type Candidate struct {
	ID            int
	TraceMini     []byte
	Atom          []byte
	CompressedLen int
}

// Result is the outcome of one SetNCDMFavored run.
type Result struct {
	// Selected holds the IDs chosen, in selection order.
	Selected []int
	// NCD is the diversity of the full selected set (0 for a singleton).
	NCD float64
}

// SetNCDMFavored runs the greedy cover (spec §4.6) over candidates against
// allDiscovered, a minified (one-bit-per-edge) bitmap of every edge ever
// seen. It panics if no candidate can extend coverage before allDiscovered
// is fully covered — a fatal invariant violation upstream data is supposed
// to make impossible (every discovered edge has at least one entry whose
// trace_mini set that bit).
func SetNCDMFavored(candidates []Candidate, allDiscovered []byte, scratch *diversity.Scratch) (Result, error) {
	covered := make([]byte, len(allDiscovered))

	var (
		selected     []int
		selectedAtom [][]byte
	)

	remaining := make([]Candidate, len(candidates))
	copy(remaining, candidates)

	for !bitmapEqual(covered, allDiscovered) {
		contributors := contributing(remaining, covered)
		if len(contributors) == 0 {
			panic("favored: no candidate contributes new coverage before full cover reached")
		}

		var chosen Candidate

		if len(selected) == 0 {
			chosen = smallestCompressed(contributors)
		} else {
			best, err := mostDiverse(contributors, selectedAtom, scratch)
			if err != nil {
				return Result{}, fmt.Errorf("favored: %w", err)
			}

			chosen = best
		}

		selected = append(selected, chosen.ID)
		selectedAtom = append(selectedAtom, chosen.Atom)
		orBits(covered, chosen.TraceMini)
		remaining = removeByID(remaining, chosen.ID)
	}

	ncd, err := diversity.NCD(selectedAtom, scratch)
	if err != nil {
		return Result{}, fmt.Errorf("favored: final NCD: %w", err)
	}

	return Result{Selected: selected, NCD: ncd}, nil
}

func bitmapEqual(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func orBits(dst, src []byte) {
	for i := range dst {
		dst[i] |= src[i]
	}
}

// contributing returns every candidate whose trace_mini sets at least one
// bit not already in covered.
func contributing(candidates []Candidate, covered []byte) []Candidate {
	var out []Candidate

	for _, c := range candidates {
		if addsNewBit(c.TraceMini, covered) {
			out = append(out, c)
		}
	}

	return out
}

func addsNewBit(traceMini, covered []byte) bool {
	for i, b := range traceMini {
		if b&^covered[i] != 0 {
			return true
		}
	}

	return false
}

// smallestCompressed picks the candidate with the smallest CompressedLen,
// ties broken by position in candidates (insertion order).
func smallestCompressed(candidates []Candidate) Candidate {
	best := candidates[0]

	for _, c := range candidates[1:] {
		if c.CompressedLen < best.CompressedLen {
			best = c
		}
	}

	return best
}

// mostDiverse picks the candidate that maximises NCD(selected ∪ {candidate}).
func mostDiverse(candidates []Candidate, selectedAtom [][]byte, scratch *diversity.Scratch) (Candidate, error) {
	trial := make([][]byte, len(selectedAtom)+1)
	copy(trial, selectedAtom)

	var (
		best      Candidate
		bestScore = -1.0
	)

	for _, c := range candidates {
		trial[len(selectedAtom)] = c.Atom

		score, err := diversity.NCD(trial, scratch)
		if err != nil {
			return Candidate{}, err
		}

		if score > bestScore {
			bestScore = score
			best = c
		}
	}

	return best, nil
}

func removeByID(candidates []Candidate, id int) []Candidate {
	out := candidates[:0]

	for _, c := range candidates {
		if c.ID != id {
			out = append(out, c)
		}
	}

	return out
}
