package tbman

// blockManager owns every tokenManager for a single size class (one block
// size B). data is partitioned in place: entries [0, freeIndex) are full,
// entries [freeIndex, len(data)) are non-full, and within the non-full
// region empty managers are kept as a contiguous tail so bulk release
// (sweep) only ever has to trim off the end.
//
// Grounded on original_source/tbman.cpp's block_manager_s_* functions,
// which this reproduces structurally (free_index partition, empty-tail
// swap-based reordering, sweep_hysteresis-gated bulk release).
type blockManager struct {
	poolSize  uint64
	blockSize uint64
	alignHint bool

	data      []*tokenManager
	freeIndex int

	aligned         bool
	sweepHysteresis float64

	parent *Manager
}

func newBlockManager(mgr *Manager, poolSize, blockSize uint64, alignHint bool, sweepHysteresis float64) *blockManager {
	return &blockManager{
		poolSize:        poolSize,
		blockSize:       blockSize,
		alignHint:       alignHint,
		aligned:         true,
		sweepHysteresis: sweepHysteresis,
		parent:          mgr,
	}
}

// alloc returns a fresh block, creating a new pool first if every existing
// one is full. O(1) amortized: pool creation happens once per
// stackSize - reservedBlocks allocations.
func (bm *blockManager) alloc() uintptr {
	if bm.freeIndex == len(bm.data) {
		tm := createTokenManager(bm.parent, bm.poolSize, bm.blockSize, bm.alignHint)
		tm.parent = bm
		tm.parentIndex = len(bm.data)
		bm.data = append(bm.data, tm)

		if bm.aligned && !tm.aligned {
			bm.aligned = false
			bm.parent.lostAlignment()
		}
		bm.parent.registerPoolAddress(tm.base, tm)
	}

	child := bm.data[bm.freeIndex]
	ptr := child.alloc()
	if child.isFull() {
		bm.freeIndex++
	}
	return ptr
}

// fullToFree is the callback a child tokenManager invokes on the full->free
// transition: it rejoins the non-full region at its head.
func (bm *blockManager) fullToFree(child *tokenManager) {
	if bm.freeIndex == 0 {
		fail("full_to_free called but free_index is already 0")
	}
	bm.freeIndex--

	childIndex := child.parentIndex
	swapIndex := bm.freeIndex
	swapc := bm.data[swapIndex]
	bm.data[swapIndex] = child
	bm.data[childIndex] = swapc
	child.parentIndex = swapIndex
	swapc.parentIndex = childIndex
}

// emptyTail returns the number of trailing tokenManagers (within data) that
// are currently empty.
func (bm *blockManager) emptyTail() int {
	size := len(bm.data)
	idx := size
	for idx > 0 && bm.data[idx-1].isEmpty() {
		idx--
	}
	return size - idx
}

// freeToEmpty is the callback a child tokenManager invokes on the
// free->empty transition: the child is moved into the trailing empty run
// if it is not already there, then the run is swept to the platform once
// the number of empties exceeds sweepHysteresis times the number of
// non-empty (full or partly used) pools (spec.md §4.3, §9).
func (bm *blockManager) freeToEmpty(child *tokenManager) {
	childIndex := child.parentIndex
	size := len(bm.data)
	emptyTail := bm.emptyTail()

	if emptyTail < size {
		swapIndex := size - emptyTail - 1
		if childIndex < swapIndex {
			swapc := bm.data[swapIndex]
			bm.data[childIndex] = swapc
			bm.data[swapIndex] = child
			child.parentIndex = swapIndex
			swapc.parentIndex = childIndex
			emptyTail++
		}
	}

	if float64(emptyTail) > float64(size-emptyTail)*bm.sweepHysteresis {
		for len(bm.data) > 0 && bm.data[len(bm.data)-1].isEmpty() {
			last := len(bm.data) - 1
			tm := bm.data[last]
			bm.parent.deregisterPoolAddress(tm.base)
			bm.parent.releasePool(tm)
			tm.destroy()
			bm.data = bm.data[:last]
		}
	}
}

// totalAlloc sums the live block count across every owned pool.
func (bm *blockManager) totalAlloc() uint64 {
	var n uint64
	for _, tm := range bm.data {
		n += tm.stackIndex
	}
	return n
}

// totalSpace sums the granted byte footprint (live blocks * blockSize)
// across every owned pool.
func (bm *blockManager) totalSpace() uint64 {
	return bm.totalAlloc() * bm.blockSize
}

// instanceCount mirrors totalAlloc; kept as a distinct name where the
// Manager-level aggregation reads more naturally as "instances".
func (bm *blockManager) instanceCount() uint64 {
	return bm.totalAlloc()
}
