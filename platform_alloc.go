package tbman

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// platformAlloc requests size bytes of off-heap memory from the platform via
// an anonymous, private mmap, mirroring chunk_pool.go's alloc. Off-heap
// memory is required here for a second reason beyond avoiding GC scanning
// pressure: a TokenManager's header must be addressable by bit-masking an
// ordinary pointer value, which is only meaningful for memory the Go runtime
// does not move.
//
// When alignHint is true, size+align bytes are mapped and the unused head
// and tail are trimmed with Munmap so the returned slice starts at a
// align-aligned address (the over-allocate-and-trim trick). When false, or
// when the trim cannot produce an aligned result, the plain mapping is
// returned as-is and aligned reports false.
func platformAlloc(size, align uint64) (mem []byte, aligned bool) {
	if !alignHintUsable(align) {
		return platformAllocPlain(size), false
	}

	total := size + align
	raw, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Errorf("tbman: cannot mmap %d bytes for aligned pool of size %d: %w", total, size, err))
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned64 := (uint64(base) + align - 1) &^ (align - 1)
	lead := uint64(aligned64) - uint64(base)

	if lead > 0 {
		if err := unix.Munmap(raw[:lead]); err != nil {
			panic(fmt.Errorf("tbman: failed to trim leading %d bytes of aligned mapping: %w", lead, err))
		}
	}
	trimmed := raw[lead : lead+size]
	trail := raw[lead+size:]
	if len(trail) > 0 {
		if err := unix.Munmap(trail); err != nil {
			panic(fmt.Errorf("tbman: failed to trim trailing %d bytes of aligned mapping: %w", len(trail), err))
		}
	}

	return trimmed, true
}

// platformAllocPlain maps size bytes with no alignment trick, used both as
// the FullAlign=false path and as the path for external (oversize) blocks,
// which only need TBMANAlign, always satisfied by the platform page size.
func platformAllocPlain(size uint64) []byte {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Errorf("tbman: cannot mmap %d bytes: %w", size, err))
	}
	return mem
}

// platformFree releases memory obtained from platformAlloc/platformAllocPlain.
func platformFree(mem []byte) {
	if len(mem) == 0 {
		return
	}
	if err := unix.Munmap(mem); err != nil {
		panic(fmt.Errorf("tbman: failed to munmap %d bytes: %w", len(mem), err))
	}
}

// alignHintUsable reports whether the over-allocate-and-trim trick is worth
// attempting for the given alignment: it always is for any power-of-two
// alignment, but guards against align==0 callers.
func alignHintUsable(align uint64) bool {
	return align > 0 && (align&(align-1)) == 0
}

func isAligned(ptr uintptr, align uint64) bool {
	return uint64(ptr)&(align-1) == 0
}

func addrOf(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}
