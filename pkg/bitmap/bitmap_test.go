package bitmap_test

import (
	"math/rand/v2"
	"testing"

	"github.com/fuzzkit/curator/pkg/bitmap"
)

// naiveCountBits is the reference model for CountBits: byte-wise popcount.
func naiveCountBits(trace []byte) int {
	count := 0
	for _, b := range trace {
		for b != 0 {
			count += int(b & 1)
			b >>= 1
		}
	}

	return count
}

func naiveCountBytes(trace []byte) int {
	count := 0
	for _, b := range trace {
		if b != 0 {
			count++
		}
	}

	return count
}

func naiveCountNon255Bytes(trace []byte) int {
	count := 0
	for _, b := range trace {
		if b != 0xFF {
			count++
		}
	}

	return count
}

func naiveClassify(b byte) byte {
	switch {
	case b == 0:
		return 0
	case b == 1:
		return 1
	case b == 2:
		return 2
	case b == 3:
		return 4
	case b <= 7:
		return 8
	case b <= 15:
		return 16
	case b <= 31:
		return 32
	case b <= 127:
		return 64
	default:
		return 128
	}
}

// Test_Classify_Matches_Naive_Table asserts Classify's word-at-a-time table
// agrees byte-for-byte with the naive per-byte classification (P4: classify
// is idempotent modulo table values).
func Test_Classify_Matches_Naive_Table(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))

	for trial := 0; trial < 200; trial++ {
		n := rng.IntN(64) + 1
		trace := make([]byte, n)
		want := make([]byte, n)

		for i := range trace {
			trace[i] = byte(rng.IntN(256))
			want[i] = naiveClassify(trace[i])
		}

		bitmap.Classify(trace)

		for i := range trace {
			if trace[i] != want[i] {
				t.Fatalf("byte %d: got %d, want %d", i, trace[i], want[i])
			}
		}
	}
}

// Test_Classify_SecondPass_ReappliesTable covers P4, which holds only up to
// the table values: 0, 1, 2, 64 and 128 map to themselves, but the classes
// 4, 8, 16 and 32 are also raw counts of a higher range, so a second pass
// moves each of them up one class.
func Test_Classify_SecondPass_ReappliesTable(t *testing.T) {
	t.Parallel()

	trace := []byte{0, 1, 2, 3, 5, 10, 20, 50, 100, 200, 255}
	bitmap.Classify(trace)
	bitmap.Classify(trace)

	want := []byte{0, 1, 2, 8, 16, 32, 64, 64, 64, 128, 128}

	for i := range trace {
		if trace[i] != want[i] {
			t.Fatalf("second classify pass at %d: got %d, want %d", i, trace[i], want[i])
		}
	}
}

func Test_Simplify_Idempotent(t *testing.T) {
	t.Parallel()

	trace := []byte{0, 1, 2, 255, 128, 0, 7}
	bitmap.Simplify(trace)

	once := make([]byte, len(trace))
	copy(once, trace)

	bitmap.Simplify(trace)

	for i := range trace {
		if trace[i] != once[i] {
			t.Fatalf("simplify not idempotent at %d", i)
		}
	}
}

// Test_Minimize_SetsExactBits covers P5.
func Test_Minimize_SetsExactBits(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(3, 4))

	for trial := 0; trial < 200; trial++ {
		n := rng.IntN(100) + 1
		src := make([]byte, n)

		for i := range src {
			if rng.IntN(4) == 0 {
				src[i] = 0
			} else {
				src[i] = byte(rng.IntN(255) + 1)
			}
		}

		dst := make([]byte, (n+7)/8)
		bitmap.Minimize(dst, src)

		for i, b := range src {
			bitSet := dst[i>>3]&(1<<uint(i&7)) != 0
			want := b != 0

			if bitSet != want {
				t.Fatalf("bit %d: set=%v, want=%v", i, bitSet, want)
			}
		}
	}
}

// Test_Counts_MatchNaive covers P6.
func Test_Counts_MatchNaive(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(5, 6))

	for trial := 0; trial < 200; trial++ {
		n := rng.IntN(256)
		trace := make([]byte, n)

		for i := range trace {
			trace[i] = byte(rng.IntN(256))
		}

		if got, want := bitmap.CountBits(trace), naiveCountBits(trace); got != want {
			t.Fatalf("CountBits: got %d, want %d (trace=%v)", got, want, trace)
		}

		if got, want := bitmap.CountBytes(trace), naiveCountBytes(trace); got != want {
			t.Fatalf("CountBytes: got %d, want %d", got, want)
		}

		if got, want := bitmap.CountNon255Bytes(trace), naiveCountNon255Bytes(trace); got != want {
			t.Fatalf("CountNon255Bytes: got %d, want %d", got, want)
		}
	}
}

// FuzzClassify_ModelVsNaive cross-checks the fast classifier against the
// naive per-byte model on arbitrary trace bytes, in the teacher's
// fast-implementation-vs-model style.
func FuzzClassify_ModelVsNaive(f *testing.F) {
	f.Add([]byte{0, 1, 2, 3, 4, 8, 16, 32, 64, 128, 255})
	f.Add([]byte{})
	f.Add([]byte{7})

	f.Fuzz(func(t *testing.T, trace []byte) {
		want := make([]byte, len(trace))
		for i, b := range trace {
			want[i] = naiveClassify(b)
		}

		got := make([]byte, len(trace))
		copy(got, trace)
		bitmap.Classify(got)

		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("byte %d: got %d want %d (input=%v)", i, got[i], want[i], trace)
			}
		}
	})
}

// FuzzCountBits_ModelVsNaive covers P6 via native fuzzing.
func FuzzCountBits_ModelVsNaive(f *testing.F) {
	f.Add([]byte{0xFF, 0x00, 0x7F, 0x80})

	f.Fuzz(func(t *testing.T, trace []byte) {
		if got, want := bitmap.CountBits(trace), naiveCountBits(trace); got != want {
			t.Fatalf("CountBits(%v) = %d, want %d", trace, got, want)
		}
	})
}

// Test_Scenario_S1 implements spec §8 scenario S1.
func Test_Scenario_S1(t *testing.T) {
	t.Parallel()

	trace := []byte{0, 1, 0, 0, 0, 0, 0, 0}
	bitmap.Classify(trace)

	dst := make([]byte, 1)
	bitmap.Minimize(dst, trace)

	if dst[0] != 0x02 {
		t.Fatalf("minimize(trace) = %#x, want 0x02", dst[0])
	}
}
