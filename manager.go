// Package tbman implements a token-based pool memory manager: a
// general-purpose off-heap allocator that services small-to-medium
// requests from size-class pools with O(1) amortized alloc/free, and
// transparently forwards oversize requests to the platform allocator
// while still tracking them for free/realloc/introspection.
package tbman

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomem/tbman/internal/index"
)

// Manager is the top-level allocator: one BlockManager per size class over
// the configured ladder, plus the two indexes (pool-address tree,
// external-pointer-to-size tree) that let free/realloc work without the
// caller supplying the original size. A single mutex serializes every
// mutating and reading entry point (spec.md §5) — there is no lock
// hierarchy below Manager.
type Manager struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	blockManagers  []*blockManager
	blockSizeArray []uint64
	maxBlockSize   uint64

	poolIndex        *index.Tree[*tokenManager]
	externalSizeTree *index.Tree[uint64]
	externalTotal    uint64
	externalCount    uint64

	// pools is the Manager-owned slab backing the stable-handle scheme
	// (spec.md §9): a tokenManager's handle is a plain index into this
	// slice, written into its pool's header bytes so the aligned fast path
	// can recover the owning *tokenManager with one memory read and one
	// slice index, never a live Go pointer stored off-heap.
	pools       []*tokenManager
	freeHandles []int

	aligned bool
	closed  bool
}

// NewManager constructs a Manager from cfg, generating its size-class
// ladder and one BlockManager per class. Panics (via fail/Config.Validate)
// on an unsatisfiable configuration, per spec.md §7's "Configuration
// error" category.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("tbman: invalid configuration: %w", err))
	}

	ladder := sizeClassLadder(cfg.MinBlockSize, cfg.MaxBlockSize, cfg.SteppingMethod)
	if len(ladder) == 0 {
		fail("empty size-class ladder for min=%d max=%d", cfg.MinBlockSize, cfg.MaxBlockSize)
	}

	m := &Manager{
		cfg:              cfg,
		logger:           cfg.Logger,
		poolIndex:        index.New[*tokenManager](),
		externalSizeTree: index.New[uint64](),
		aligned:          true,
		maxBlockSize:     cfg.MaxBlockSize,
	}
	for _, b := range ladder {
		bm := newBlockManager(m, cfg.PoolSize, b, cfg.FullAlign, cfg.SweepHysteresis)
		m.blockManagers = append(m.blockManagers, bm)
		m.blockSizeArray = append(m.blockSizeArray, b)
	}
	m.logger.Debug("tbman manager initialized", "classes", len(ladder), "pool_size", cfg.PoolSize, "min_block", cfg.MinBlockSize, "max_block", cfg.MaxBlockSize)
	return m
}

// registerPool assigns tm a slab handle, reusing a freed slot when
// available. Must be called with mu held.
func (m *Manager) registerPool(tm *tokenManager) int {
	if n := len(m.freeHandles); n > 0 {
		h := m.freeHandles[n-1]
		m.freeHandles = m.freeHandles[:n-1]
		m.pools[h] = tm
		return h
	}
	m.pools = append(m.pools, tm)
	return len(m.pools) - 1
}

// writeHandle stores handle as the first tokenHeaderBytes of mem, the only
// thing ever written into off-heap pool memory that the fast path reads
// back to identify the owning tokenManager.
func (m *Manager) writeHandle(mem []byte, handle int) {
	*(*uint64)(unsafe.Pointer(&mem[0])) = uint64(handle)
}

// releasePool frees tm's slab handle for reuse. Called just before a pool
// is swept back to the platform.
func (m *Manager) releasePool(tm *tokenManager) {
	m.pools[tm.handle] = nil
	m.freeHandles = append(m.freeHandles, tm.handle)
}

func (m *Manager) registerPoolAddress(base uintptr, tm *tokenManager) {
	if replaced := m.poolIndex.Set(base, tm); replaced {
		fail("duplicate pool address registration at %#x", base)
	}
}

func (m *Manager) deregisterPoolAddress(base uintptr) {
	if _, ok := m.poolIndex.Delete(base); !ok {
		fail("failed removing pool address %#x: not registered", base)
	}
}

// lostAlignment is the upward notification a BlockManager sends when one
// of its pools could not be allocated P-aligned. This is a monotone latch
// (spec.md §4.4.4, §9): once false, Manager.aligned never becomes true
// again, and the fast free/realloc path is permanently disabled.
func (m *Manager) lostAlignment() {
	if m.aligned {
		m.aligned = false
		m.logger.Debug("tbman: lost global pool alignment, falling back to tree lookups")
	}
}

// classFor returns the first (smallest) size class able to satisfy reqSize.
func (m *Manager) classFor(reqSize uint64) (idx int, size uint64, ok bool) {
	for i, bs := range m.blockSizeArray {
		if bs >= reqSize {
			return i, bs, true
		}
	}
	return 0, 0, false
}

// allocNew implements spec.md §4.4.1.
func (m *Manager) allocNew(reqSize uint64) (uintptr, uint64) {
	if idx, size, ok := m.classFor(reqSize); ok {
		ptr := m.blockManagers[idx].alloc()
		return ptr, size
	}

	mem := platformAllocPlain(reqSize)
	ptr := addrOf(mem)
	if replaced := m.externalSizeTree.Set(ptr, reqSize); replaced {
		fail("duplicate external registration at %#x", ptr)
	}
	m.externalTotal += reqSize
	m.externalCount++
	return ptr, reqSize
}

// resolveOwner identifies the tokenManager owning ptr, trying the O(1)
// aligned fast path first (spec.md §4.4.2 step 1) and falling back to the
// pool-address tree (step 2). It never consults the external tree — that
// is the caller's final fallback.
func (m *Manager) resolveOwner(ptr uintptr, curSize uint64, hasSizeHint bool) (*tokenManager, bool) {
	if hasSizeHint && curSize <= m.maxBlockSize && m.aligned {
		base := ptr &^ (uintptr(m.cfg.PoolSize) - 1)
		handle := *(*uint64)(unsafe.Pointer(base))
		if int(handle) < len(m.pools) {
			if tm := m.pools[handle]; tm != nil && tm.base == base {
				return tm, true
			}
		}
	}

	if base, tm, ok := m.poolIndex.Floor(ptr); ok {
		if ptr-base < uintptr(m.cfg.PoolSize) {
			return tm, true
		}
	}
	return nil, false
}

// free implements spec.md §4.4.2.
func (m *Manager) free(ptr uintptr, curSize uint64, hasSizeHint bool) {
	if tm, ok := m.resolveOwner(ptr, curSize, hasSizeHint); ok {
		tm.free(ptr)
		return
	}

	size, ok := m.externalSizeTree.Delete(ptr)
	if !ok {
		panic(ErrInvalidFree)
	}
	m.externalTotal -= size
	m.externalCount--
	platformFree(ptrToSlice(ptr, size))
}

// realloc implements spec.md §4.4.3.
func (m *Manager) realloc(curPtr uintptr, curSize, reqSize uint64, hasSizeHint bool) (uintptr, uint64) {
	if tm, ok := m.resolveOwner(curPtr, curSize, hasSizeHint); ok {
		b0 := tm.blockSize
		if reqSize > b0 {
			newPtr, granted := m.allocNew(reqSize)
			copyMem(newPtr, curPtr, b0)
			tm.free(curPtr)
			return newPtr, granted
		}
		idx, b1, ok := m.classFor(reqSize)
		if !ok || b1 == b0 {
			return curPtr, b0
		}
		newPtr := m.blockManagers[idx].alloc()
		copyMem(newPtr, curPtr, reqSize)
		tm.free(curPtr)
		return newPtr, b1
	}

	size0, ok := m.externalSizeTree.Get(curPtr)
	if !ok {
		panic(ErrInvalidFree)
	}

	if reqSize <= m.maxBlockSize {
		newPtr, granted := m.allocNew(reqSize)
		copyMem(newPtr, curPtr, reqSize)
		m.externalSizeTree.Delete(curPtr)
		m.externalTotal -= size0
		m.externalCount--
		platformFree(ptrToSlice(curPtr, size0))
		return newPtr, granted
	}

	if reqSize < size0 && reqSize >= size0/2 {
		return curPtr, size0
	}

	newMem := platformAllocPlain(reqSize)
	newPtr := addrOf(newMem)
	if replaced := m.externalSizeTree.Set(newPtr, reqSize); replaced {
		fail("duplicate external registration at %#x", newPtr)
	}
	m.externalTotal += reqSize
	m.externalCount++

	n := reqSize
	if size0 < n {
		n = size0
	}
	copyMem(newPtr, curPtr, n)

	m.externalSizeTree.Delete(curPtr)
	m.externalTotal -= size0
	m.externalCount--
	platformFree(ptrToSlice(curPtr, size0))

	return newPtr, reqSize
}

// Alloc is the unified malloc/realloc/free entry point (spec.md §4.4),
// with no size hint: curPtr (if non-nil) is always resolved via the slow
// (tree) path.
func (m *Manager) Alloc(curPtr unsafe.Pointer, reqSize uint64) (unsafe.Pointer, uint64) {
	return m.Nalloc(curPtr, 0, reqSize)
}

// Nalloc is Alloc with a caller-supplied size hint for curPtr, enabling the
// aligned O(1) fast path when curSize > 0. curSize == 0 means no hint: a
// non-nil curPtr is then still freed or reallocated, its owner found via the
// pool-address tree or the external tree, so it must be a live block.
func (m *Manager) Nalloc(curPtr unsafe.Pointer, curSize, reqSize uint64) (unsafe.Pointer, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := uintptr(curPtr)
	hasSizeHint := curSize > 0

	if reqSize == 0 {
		if cp != 0 {
			m.free(cp, curSize, hasSizeHint)
		}
		return nil, 0
	}

	if cp == 0 {
		ptr, granted := m.allocNew(reqSize)
		return unsafe.Pointer(ptr), granted
	}

	ptr, granted := m.realloc(cp, curSize, reqSize, hasSizeHint)
	return unsafe.Pointer(ptr), granted
}

// GrantedSpace reports the byte size backing ptr, or 0 if ptr is unknown.
func (m *Manager) GrantedSpace(ptr unsafe.Pointer) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := uintptr(ptr)
	if tm, ok := m.resolveOwner(p, 0, false); ok {
		return tm.blockSize
	}
	if size, ok := m.externalSizeTree.Get(p); ok {
		return size
	}
	return 0
}

func (m *Manager) totalGrantedSpaceLocked() uint64 {
	var total uint64
	for _, bm := range m.blockManagers {
		total += bm.totalSpace()
	}
	return total + m.externalTotal
}

func (m *Manager) totalInstancesLocked() uint64 {
	var n uint64
	for _, bm := range m.blockManagers {
		n += bm.instanceCount()
	}
	return n + m.externalCount
}

// TotalGrantedSpace sums the block size of every internal allocation plus
// the recorded size of every external allocation.
func (m *Manager) TotalGrantedSpace() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalGrantedSpaceLocked()
}

// TotalInstances reports the number of live blocks across every size class
// plus every external allocation.
func (m *Manager) TotalInstances() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalInstancesLocked()
}

// ForEachInstance snapshots every live (ptr, size) pair under the mutex,
// then invokes cb for each outside the lock — the snapshot-then-callback
// pattern spec.md §5 requires to avoid deadlock if cb itself calls back
// into the Manager.
func (m *Manager) ForEachInstance(cb func(ptr unsafe.Pointer, size uint64)) {
	type pair struct {
		ptr  uintptr
		size uint64
	}

	m.mu.Lock()
	snap := make([]pair, 0, m.totalInstancesLocked())
	for _, bm := range m.blockManagers {
		for _, tm := range bm.data {
			for _, tok := range tm.liveTokens() {
				snap = append(snap, pair{tm.base + uintptr(tok)*uintptr(tm.blockSize), tm.blockSize})
			}
		}
	}
	m.externalSizeTree.Ascend(func(ptr uintptr, size uint64) bool {
		snap = append(snap, pair{ptr, size})
		return true
	})
	m.mu.Unlock()

	for _, p := range snap {
		cb(unsafe.Pointer(p.ptr), p.size)
	}
}

// Close tears the Manager down, releasing every pool and external block
// still outstanding back to the platform, after warning about any leaked
// instances (spec.md §6 "Shutdown warning").
func (m *Manager) Close() {
	m.mu.Lock()
	leakedBytes := m.totalGrantedSpaceLocked()
	leakedInstances := m.totalInstancesLocked()
	m.mu.Unlock()

	if leakedBytes > 0 {
		m.logger.Warn("tbman: detected leaking instances at close", "instances", leakedInstances, "bytes", leakedBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bm := range m.blockManagers {
		for _, tm := range bm.data {
			if tm != nil && tm.ready {
				tm.destroy()
			}
		}
		bm.data = nil
	}
	m.externalSizeTree.Ascend(func(ptr uintptr, size uint64) bool {
		platformFree(ptrToSlice(ptr, size))
		return true
	})
	m.closed = true
}

// ClassSnapshot reports the occupancy of one size class at a point in time.
type ClassSnapshot struct {
	BlockSize uint64
	Full      int
	Free      int
	Empty     int
	Allocated uint64
}

// Snapshot reports the Manager's occupancy across every size class plus
// the external path, the supplemented introspection feature described in
// SPEC_FULL.md (grounded on original_source/tbman.cpp's print_tbman_status).
type Snapshot struct {
	Aligned       bool
	Classes       []ClassSnapshot
	ExternalCount uint64
	ExternalBytes uint64
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Aligned:       m.aligned,
		ExternalCount: m.externalCount,
		ExternalBytes: m.externalTotal,
	}
	for _, bm := range m.blockManagers {
		cs := ClassSnapshot{BlockSize: bm.blockSize, Allocated: bm.totalSpace()}
		for i, tm := range bm.data {
			switch {
			case i < bm.freeIndex:
				cs.Full++
			case tm.isEmpty():
				cs.Empty++
			default:
				cs.Free++
			}
		}
		snap.Classes = append(snap.Classes, cs)
	}
	return snap
}

// String renders a Snapshot as a human-readable status dump.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tbman status (aligned=%v)\n", s.Aligned)
	for _, c := range s.Classes {
		fmt.Fprintf(&b, "  class %8d: full=%-4d free=%-4d empty=%-4d allocated=%d\n", c.BlockSize, c.Full, c.Free, c.Empty, c.Allocated)
	}
	fmt.Fprintf(&b, "  external: count=%d bytes=%d\n", s.ExternalCount, s.ExternalBytes)
	return b.String()
}

func ptrToSlice(ptr uintptr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
}

func copyMem(dst, src uintptr, n uint64) {
	if n == 0 {
		return
	}
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(dstSlice, srcSlice)
}
