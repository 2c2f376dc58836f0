package index

import "testing"

func TestTreeSetGetDelete(t *testing.T) {
	tr := New[string]()

	if _, ok := tr.Get(10); ok {
		t.Fatal("expected missing key to report not found")
	}

	if replaced := tr.Set(10, "a"); replaced {
		t.Error("expected first insert to not report a replace")
	}
	if replaced := tr.Set(10, "b"); !replaced {
		t.Error("expected second insert at the same key to report a replace")
	}

	val, ok := tr.Get(10)
	if !ok || val != "b" {
		t.Errorf("expected (\"b\", true), got (%q, %v)", val, ok)
	}

	if tr.Len() != 1 {
		t.Errorf("expected len 1, got %d", tr.Len())
	}

	deleted, ok := tr.Delete(10)
	if !ok || deleted != "b" {
		t.Errorf("expected delete to return (\"b\", true), got (%q, %v)", deleted, ok)
	}
	if _, ok := tr.Delete(10); ok {
		t.Error("expected second delete of the same key to report not found")
	}
}

func TestTreeFloor(t *testing.T) {
	tr := New[int]()
	tr.Set(100, 1)
	tr.Set(200, 2)
	tr.Set(300, 3)

	cases := []struct {
		query   uintptr
		wantKey uintptr
		wantVal int
		wantOk  bool
	}{
		{50, 0, 0, false},
		{100, 100, 1, true},
		{150, 100, 1, true},
		{200, 200, 2, true},
		{299, 200, 2, true},
		{300, 300, 3, true},
		{1000, 300, 3, true},
	}
	for _, c := range cases {
		key, val, ok := tr.Floor(c.query)
		if ok != c.wantOk {
			t.Errorf("Floor(%d): expected ok=%v, got %v", c.query, c.wantOk, ok)
			continue
		}
		if !ok {
			continue
		}
		if key != c.wantKey || val != c.wantVal {
			t.Errorf("Floor(%d): expected (%d, %d), got (%d, %d)", c.query, c.wantKey, c.wantVal, key, val)
		}
	}
}

func TestTreeAscend(t *testing.T) {
	tr := New[int]()
	tr.Set(3, 30)
	tr.Set(1, 10)
	tr.Set(2, 20)

	var keys []uintptr
	tr.Ascend(func(key uintptr, val int) bool {
		keys = append(keys, key)
		return true
	})
	want := []uintptr{1, 2, 3}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("index %d: expected %d, got %d", i, k, keys[i])
		}
	}

	var stopped []uintptr
	tr.Ascend(func(key uintptr, val int) bool {
		stopped = append(stopped, key)
		return key < 2
	})
	if len(stopped) != 2 {
		t.Errorf("expected Ascend to stop after 2 entries, got %d", len(stopped))
	}
}
