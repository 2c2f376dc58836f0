package tbman

import (
	"testing"
	"unsafe"
)

func newSingleClassManager(t *testing.T, poolSize, blockSize uint64) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolSize = poolSize
	cfg.MinBlockSize = blockSize
	cfg.MaxBlockSize = blockSize
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m
}

func TestBlockManagerGrowsAndPartitions(t *testing.T) {
	mgr := newSingleClassManager(t, 1024, 8)
	bm := mgr.blockManagers[0]
	stackSize := bm.poolSize / bm.blockSize
	capacity := int(stackSize - reservedBlockCount(stackSize, bm.blockSize))

	var ptrs []unsafe.Pointer
	for i := 0; i < capacity*2; i++ {
		p, granted := mgr.Alloc(nil, bm.blockSize)
		if granted != bm.blockSize {
			t.Fatalf("expected granted size %d, got %d", bm.blockSize, granted)
		}
		ptrs = append(ptrs, p)
	}

	if len(bm.data) != 2 {
		t.Fatalf("expected 2 pools after filling twice the per-pool capacity, got %d", len(bm.data))
	}
	if bm.freeIndex != 2 {
		t.Fatalf("expected both pools to be full (free_index=2), got %d", bm.freeIndex)
	}

	// Free every block from the second pool: it should transition full ->
	// free -> empty, and because 1 empty pool exceeds 1 non-empty (full)
	// pool times the default hysteresis of 0.125, the sweep should collapse
	// it immediately.
	for i := 0; i < capacity; i++ {
		mgr.Nalloc(ptrs[capacity+i], bm.blockSize, 0)
	}
	if len(bm.data) != 1 {
		t.Fatalf("expected the emptied pool to be swept, got %d pools remaining", len(bm.data))
	}
	if bm.freeIndex != 1 {
		t.Fatalf("expected remaining pool to still be full (free_index=1), got %d", bm.freeIndex)
	}

	// Free one block from the surviving (full) pool: it must rejoin the
	// non-full region via fullToFree.
	mgr.Nalloc(ptrs[0], bm.blockSize, 0)
	if bm.freeIndex != 0 {
		t.Fatalf("expected full_to_free to reopen the pool (free_index=0), got %d", bm.freeIndex)
	}

	for i := 1; i < capacity; i++ {
		mgr.Nalloc(ptrs[i], bm.blockSize, 0)
	}
	if mgr.TotalInstances() != 0 {
		t.Fatalf("expected 0 live instances, got %d", mgr.TotalInstances())
	}
}

func TestBlockManagerSweepHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 1024
	cfg.MinBlockSize = 8
	cfg.MaxBlockSize = 8
	cfg.SweepHysteresis = 1.0 // require empties to outnumber non-empties 1:1
	mgr := NewManager(cfg)
	defer mgr.Close()
	bm := mgr.blockManagers[0]
	stackSize := bm.poolSize / bm.blockSize
	capacity := int(stackSize - reservedBlockCount(stackSize, bm.blockSize))

	var ptrs []unsafe.Pointer
	for i := 0; i < capacity*2; i++ {
		p, _ := mgr.Alloc(nil, bm.blockSize)
		ptrs = append(ptrs, p)
	}
	for i := 0; i < capacity; i++ {
		mgr.Nalloc(ptrs[capacity+i], bm.blockSize, 0)
	}
	// 1 empty vs 1 non-empty pool: hysteresis of 1.0 requires empty >
	// nonEmpty*1.0, i.e. strictly greater, so the sweep must not have fired.
	if len(bm.data) != 2 {
		t.Fatalf("expected sweep to be withheld at the hysteresis boundary, got %d pools", len(bm.data))
	}
}
