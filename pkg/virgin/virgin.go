// Package virgin implements the per-destination virgin bitmaps (normal,
// timeout, crash) and the novelty check run against them after every
// classified trace.
package virgin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/fuzzkit/curator/pkg/bitmap"
	"github.com/fuzzkit/curator/pkg/fs"
)

// Kind identifies which of the three virgin bitmaps a Map backs.
type Kind int

const (
	Normal Kind = iota
	Timeout
	Crash
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Timeout:
		return "timeout"
	case Crash:
		return "crash"
	default:
		return fmt.Sprintf("virgin.Kind(%d)", int(k))
	}
}

// Grade is the three-valued result of a novelty check.
type Grade int

const (
	// NoNewBits means the trace produced nothing the map hadn't already seen.
	NoNewBits Grade = iota
	// NewBucket means an already-discovered edge was hit with a new
	// hit-count bucket.
	NewBucket
	// NewEdge means at least one edge was seen for the first time. Strictly
	// dominates NewBucket.
	NewEdge
)

func (g Grade) String() string {
	switch g {
	case NoNewBits:
		return "no_new_bits"
	case NewBucket:
		return "new_bucket"
	case NewEdge:
		return "new_edge"
	default:
		return fmt.Sprintf("virgin.Grade(%d)", int(g))
	}
}

// Map is an inverse cumulative bitmap: a set bit means "never seen". It
// starts all-ones and bits are cleared as edges/buckets are first observed.
//
// Not safe for concurrent use; the pipeline that owns a Map calls HasNewBits
// exactly once per exec from a single goroutine (spec Non-goals: the core is
// single-threaded with respect to one target process).
type Map struct {
	kind    Kind
	bits    []byte
	changed bool
}

// New allocates a fresh Map of mapSize bytes, all bits set (nothing seen
// yet). Panics if mapSize isn't positive.
func New(mapSize int, kind Kind) *Map {
	if mapSize <= 0 {
		panic(fmt.Sprintf("virgin: invalid map size %d", mapSize))
	}

	bits := make([]byte, mapSize)
	for i := range bits {
		bits[i] = 0xFF
	}

	return &Map{kind: kind, bits: bits}
}

// Len returns the map size in bytes.
func (m *Map) Len() int {
	return len(m.bits)
}

// Bits returns the live backing bitmap. Callers must not mutate it; it is
// exposed read-only for persistence and inspection.
func (m *Map) Bits() []byte {
	return m.bits
}

// Changed reports whether the map has unpersisted novelty since the last
// ClearChanged call. Only meaningful for a Normal-kind map: the spec only
// persists fuzz_bitmap, derived from virgin_bits.
func (m *Map) Changed() bool {
	return m.changed
}

// ClearChanged resets the dirty flag.
func (m *Map) ClearChanged() {
	m.changed = false
}

// HasNewBits runs the novelty check against an already-classified trace (one
// byte per edge, each either 0 or exactly one bucket bit set). It clears the
// matching bits in the map and, for a Normal map, raises Changed on any
// positive result.
//
// Panics if classified isn't exactly Len() bytes.
func (m *Map) HasNewBits(classified []byte) Grade {
	if len(classified) != len(m.bits) {
		panic(fmt.Sprintf("virgin: classified trace length %d != map size %d", len(classified), len(m.bits)))
	}

	if !skimWords(classified, m.bits) {
		return NoNewBits
	}

	return m.applyClassified(classified)
}

// HasNewBitsUnclassified runs the same novelty check as HasNewBits but takes
// a raw (unclassified) trace and classifies each byte on the fly, without
// mutating raw. This is the variant the normal-outcome pipeline stage uses
// directly on trace_bits, before any separate classify pass.
//
// Panics if raw isn't exactly Len() bytes.
func (m *Map) HasNewBitsUnclassified(raw []byte) Grade {
	if len(raw) != len(m.bits) {
		panic(fmt.Sprintf("virgin: raw trace length %d != map size %d", len(raw), len(m.bits)))
	}

	grade := NoNewBits

	for i, b := range raw {
		if b == 0 {
			continue
		}

		c := bitmap.ClassifyByte(b)
		v := m.bits[i]

		if v&c == 0 {
			continue
		}

		if v == 0xFF {
			grade = NewEdge
		} else if grade < NewBucket {
			grade = NewBucket
		}

		m.bits[i] = v &^ c
	}

	if grade != NoNewBits && m.kind == Normal {
		m.changed = true
	}

	return grade
}

func (m *Map) applyClassified(classified []byte) Grade {
	grade := NoNewBits

	for i, c := range classified {
		if c == 0 {
			continue
		}

		v := m.bits[i]
		if v&c == 0 {
			continue
		}

		if v == 0xFF {
			grade = NewEdge
		} else if grade < NewBucket {
			grade = NewBucket
		}

		m.bits[i] = v &^ c
	}

	if grade != NoNewBits && m.kind == Normal {
		m.changed = true
	}

	return grade
}

// skimWords is the fast pre-pass: it scans classified/virgin eight bytes at
// a time and only reports potential novelty (true) when some word's bits
// actually overlap. The caller only pays for the full byte-at-a-time
// compare when this returns true.
func skimWords(classified, virgin []byte) bool {
	i := 0

	for ; i+8 <= len(classified); i += 8 {
		cw := binary.LittleEndian.Uint64(classified[i : i+8])
		if cw == 0 {
			continue
		}

		vw := binary.LittleEndian.Uint64(virgin[i : i+8])
		if cw&vw != 0 {
			return true
		}
	}

	for ; i < len(classified); i++ {
		if classified[i]&virgin[i] != 0 {
			return true
		}
	}

	return false
}

// Discovered writes the minified set of all-time discovered edges into dst:
// bit i is set iff edge i has been observed in any bucket. dst must be at
// least ceil(Len()/8) bytes.
func (m *Map) Discovered(dst []byte) {
	inverted := make([]byte, len(m.bits))
	for i, b := range m.bits {
		inverted[i] = ^b
	}

	bitmap.Minimize(dst, inverted)
}

// CountDiscoveredEdges returns the number of edges observed in any bucket
// so far (the number of virgin bytes that are no longer 0xFF).
func (m *Map) CountDiscoveredEdges() int {
	return bitmap.CountNon255Bytes(m.bits)
}

const bitmapFileName = "fuzz_bitmap"

// WriteBitmap atomically rewrites <outDir>/fuzz_bitmap with the map's
// current bits, but only if Changed is set; it clears Changed on success.
// A no-op (nil error) when nothing changed.
func (m *Map) WriteBitmap(writer *fs.AtomicWriter, outDir string) error {
	if !m.changed {
		return nil
	}

	path := filepath.Join(outDir, bitmapFileName)

	err := writer.WriteWithDefaults(path, bytes.NewReader(m.bits))
	if err != nil {
		return fmt.Errorf("virgin: write %s: %w", bitmapFileName, err)
	}

	m.changed = false

	return nil
}
