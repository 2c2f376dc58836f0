package tbman

import "testing"

func TestSizeClassLadderDefaults(t *testing.T) {
	ladder := sizeClassLadder(defaultMinBlockSize, defaultMaxBlockSize, defaultSteppingMethod)

	if len(ladder) == 0 {
		t.Fatal("expected a non-empty ladder")
	}
	if ladder[0] != defaultMinBlockSize {
		t.Errorf("expected first class %d, got %d", defaultMinBlockSize, ladder[0])
	}
	last := ladder[len(ladder)-1]
	if last > defaultMaxBlockSize {
		t.Errorf("last class %d exceeds max block size %d", last, defaultMaxBlockSize)
	}

	for i := 1; i < len(ladder); i++ {
		if ladder[i] <= ladder[i-1] {
			t.Fatalf("ladder not strictly increasing at %d: %d <= %d", i, ladder[i], ladder[i-1])
		}
	}
}

func TestSizeClassLadderPureDoubling(t *testing.T) {
	ladder := sizeClassLadder(8, 128, 0)
	want := []uint64{8, 16, 32, 64, 128}
	if len(ladder) != len(want) {
		t.Fatalf("expected %v, got %v", want, ladder)
	}
	for i, w := range want {
		if ladder[i] != w {
			t.Errorf("index %d: expected %d, got %d", i, w, ladder[i])
		}
	}
}

func TestSizeClassLadderSpansBounds(t *testing.T) {
	for _, stepping := range []uint{0, 1, 2, 3} {
		ladder := sizeClassLadder(8, 16384, stepping)
		if ladder[0] != 8 {
			t.Errorf("stepping %d: expected first class 8, got %d", stepping, ladder[0])
		}
		last := ladder[len(ladder)-1]
		if last > 16384 {
			t.Errorf("stepping %d: last class %d exceeds 16384", stepping, last)
		}
	}
}
