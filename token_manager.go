package tbman

import (
	"unsafe"
)

// tokenHeaderBytes is the size, in bytes, of the bookkeeping tbman keeps at
// the start of every pool ahead of the token stack: a single handle
// (see below) used to recover the owning tokenManager from a bare pointer.
const tokenHeaderBytes = 8

// tokenManager owns one contiguous, power-of-two-sized pool carved into
// stackSize equal blocks, and a stack of free block indices ("tokens").
// alloc/free are O(1): both are push/pop on stackIndex.
//
// Per spec.md §9's own design note, the back-reference to the owning
// BlockManager is not a raw embedded pointer: tokenManager itself lives on
// the Go heap (never inside the mmap'd pool, which Go's GC does not scan),
// so parent can simply be a normal Go pointer. What cannot be a normal Go
// pointer is the fast-path lookup data stored *inside* the pool bytes
// themselves (see handle, below).
type tokenManager struct {
	mem   []byte // the pool's backing bytes, off the Go heap (mmap'd)
	base  uintptr
	ready bool

	poolSize       uint64
	blockSize      uint64
	stackSize      uint64 // S = poolSize / blockSize
	reservedBlocks uint64
	stackIndex     uint64 // i: number of blocks currently allocated

	tokenStack []uint16 // length stackSize+1, laid out inside mem

	aligned bool

	// debugChecks mirrors Manager.cfg.DebugChecks, cached here so free's hot
	// path tests a plain bool instead of chasing parent.parent.cfg on every
	// call (spec.md §7 "Assertion (debug builds only)").
	debugChecks bool

	parent      *blockManager
	parentIndex int

	// handle is this tokenManager's slot in the Manager's pool slab. It is
	// written into the pool's header bytes (a plain integer, not a Go
	// pointer) so the aligned fast path can recover it from an arbitrary
	// live pointer by bit-masking alone, then use it as an O(1) index into
	// mgr.pools to reach the real *tokenManager on the Go heap.
	handle int
}

// reservedBlockCount computes ⌈(tokenHeaderBytes + 2·S) / B⌉, the number of
// leading blocks consumed by the header and token stack (spec.md §3).
//
// This matches original_source/tbman.cpp's token_manager_s_create exactly:
// the slot at token_stack[S] is deliberately left out of the reserved-bytes
// count. That slot is never read or written: stackIndex never exceeds
// S - reservedBlocks, and the zero that isFull looks for is the one stored at
// token_stack[S - reservedBlocks] by createTokenManager.
func reservedBlockCount(stackSize, blockSize uint64) uint64 {
	headerBytes := uint64(tokenHeaderBytes) + 2*stackSize
	return (headerBytes + blockSize - 1) / blockSize
}

// createTokenManager allocates a new pool of poolSize bytes carved into
// blocks of blockSize, registers it with mgr's pool slab, and returns the
// initialized manager. Registering its base in the pool-address index is
// left to the caller (blockManager.alloc). Fatal (panics via fail) on
// any configuration that cannot be satisfied, per spec.md §7.
func createTokenManager(mgr *Manager, poolSize, blockSize uint64, alignHint bool) *tokenManager {
	if poolSize == 0 || (poolSize&(poolSize-1)) != 0 {
		fail("pool size %d is not a power of two", poolSize)
	}
	stackSize := poolSize / blockSize
	if stackSize > 65536 {
		fail("pool size %d / block size %d = %d exceeds the 65536 stack limit", poolSize, blockSize, stackSize)
	}
	reserved := reservedBlockCount(stackSize, blockSize)
	if stackSize <= reserved {
		fail("pool size %d too small to fit header plus one free block at block size %d", poolSize, blockSize)
	}

	align := uint64(0)
	if alignHint {
		align = poolSize
	}
	mem, aligned := platformAlloc(poolSize, align)
	if align == 0 {
		aligned = isAligned(addrOf(mem), poolSize)
	}

	tm := &tokenManager{
		mem:            mem,
		base:           addrOf(mem),
		poolSize:       poolSize,
		blockSize:      blockSize,
		stackSize:      stackSize,
		reservedBlocks: reserved,
		aligned:        aligned,
		debugChecks:    mgr.cfg.DebugChecks,
		ready:          true,
	}
	tm.tokenStack = unsafe.Slice((*uint16)(unsafe.Pointer(&mem[tokenHeaderBytes])), stackSize+1)
	for k := uint64(0); k < stackSize; k++ {
		if k+reserved < stackSize {
			tm.tokenStack[k] = uint16(k + reserved)
		} else {
			tm.tokenStack[k] = 0
		}
	}

	tm.handle = mgr.registerPool(tm)
	mgr.writeHandle(mem, tm.handle)
	return tm
}

// isFull reports whether the pool has no free tokens left.
func (tm *tokenManager) isFull() bool {
	return tm.tokenStack[tm.stackIndex] == 0
}

// isEmpty reports whether no blocks are currently allocated from this pool.
func (tm *tokenManager) isEmpty() bool {
	return tm.stackIndex == 0
}

// alloc pops the next free token and returns the pointer it encodes.
// Precondition: !tm.isFull().
func (tm *tokenManager) alloc() uintptr {
	if tm.isFull() {
		fail("alloc called on a full pool")
	}
	token := tm.tokenStack[tm.stackIndex]
	tm.stackIndex++
	return tm.base + uintptr(token)*uintptr(tm.blockSize)
}

// free pushes ptr's token back onto the stack, notifying parent on the
// full->free and free->empty state transitions (spec.md §4.2). The
// address-validity and double-free checks below are spec.md §7's "Assertion
// (debug builds only)" category: gated behind debugChecks since each one
// costs a linear scan or extra branch on every free, and a well-behaved
// caller never trips them.
func (tm *tokenManager) free(ptr uintptr) {
	offset := ptr - tm.base
	if tm.debugChecks {
		if ptr < tm.base || ptr >= tm.base+uintptr(tm.poolSize) || offset%uintptr(tm.blockSize) != 0 {
			panic(ErrOutsidePool)
		}
	}
	token := uint16(offset / uintptr(tm.blockSize))
	if tm.debugChecks {
		if uint64(token) < tm.reservedBlocks {
			panic(ErrReservedRegion)
		}
		for i := tm.stackIndex; i < tm.stackSize; i++ {
			if tm.tokenStack[i] == token {
				panic(ErrDoubleFree)
			}
		}
	}

	wasFull := tm.isFull()
	if wasFull && tm.parent != nil {
		tm.parent.fullToFree(tm)
	}

	tm.stackIndex--
	tm.tokenStack[tm.stackIndex] = token

	if tm.isEmpty() && tm.parent != nil {
		tm.parent.freeToEmpty(tm)
	}
}

// liveTokens returns the currently allocated tokens, for introspection only.
func (tm *tokenManager) liveTokens() []uint16 {
	return tm.tokenStack[:tm.stackIndex]
}

// destroy releases the pool's backing memory to the platform. Callers must
// have already removed tm from every index/slab.
func (tm *tokenManager) destroy() {
	platformFree(tm.mem)
	tm.ready = false
}
