package partition_test

import "testing"
import "github.com/fuzzkit/curator/pkg/partition"

func Test_Register_FirstTimeForPathIsNew(t *testing.T) {
	t.Parallel()

	m := partition.New()

	if !m.Register(0xABCD, 3) {
		t.Fatal("first registration for (checksum, class) should be new")
	}

	if m.Register(0xABCD, 3) {
		t.Fatal("second registration for the same (checksum, class) should not be new")
	}
}

func Test_Register_SamePartitionDifferentPath_BothNew(t *testing.T) {
	t.Parallel()

	m := partition.New()

	if !m.Register(1, 5) {
		t.Fatal("expected new for path 1")
	}

	if !m.Register(2, 5) {
		t.Fatal("expected new for path 2, independent of path 1's bitset")
	}
}

func Test_Seen_DoesNotMutate(t *testing.T) {
	t.Parallel()

	m := partition.New()

	if m.Seen(7, 1) {
		t.Fatal("expected Seen to report false before any registration")
	}

	if m.Seen(7, 1) {
		t.Fatal("Seen must not mutate state")
	}

	m.Register(7, 1)

	if !m.Seen(7, 1) {
		t.Fatal("expected Seen to report true after Register")
	}
}

func Test_IsFirstForPartitionMimic_GlobalAcrossPaths(t *testing.T) {
	t.Parallel()

	m := partition.New()

	if !m.IsFirstForPartitionMimic(9) {
		t.Fatal("expected first observation of class 9 to be new globally")
	}

	if m.IsFirstForPartitionMimic(9) {
		t.Fatal("second global observation of the same class must not be new")
	}
}

func Test_PartitionClasses_FullRange(t *testing.T) {
	t.Parallel()

	m := partition.New()

	for class := 0; class < 256; class++ {
		if !m.Register(42, class) {
			t.Fatalf("class %d should be new", class)
		}
	}

	for class := 0; class < 256; class++ {
		if m.Register(42, class) {
			t.Fatalf("class %d should no longer be new after full-range registration", class)
		}
	}
}
