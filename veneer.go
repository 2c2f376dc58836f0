package tbman

import (
	"sync"
	"unsafe"
)

var (
	globalOnce sync.Once
	global     *Manager
)

// Open performs the idempotent, call-once initialization of the
// process-wide Manager with the default configuration (spec.md §6). Later
// calls, whether to Open or OpenWith, are no-ops once the first has run.
func Open() {
	globalOnce.Do(func() {
		global = NewManager(DefaultConfig())
	})
}

// OpenWith is Open with a caller-supplied configuration, for programs that
// want process-wide defaults other than DefaultConfig.
func OpenWith(cfg Config) {
	globalOnce.Do(func() {
		global = NewManager(cfg)
	})
}

// Close tears the process-wide Manager down, warning on any leaked
// instances. It is a no-op if Open was never called.
func Close() {
	if global != nil {
		global.Close()
		global = nil
	}
}

func mustGlobal() *Manager {
	if global == nil {
		panic("tbman: Open (or OpenWith) must be called before use")
	}
	return global
}

// Alloc is the package-level veneer over (*Manager).Alloc, operating on
// the process-wide Manager (spec.md §6's "thin open/close/alloc/free
// veneer"). Unifies malloc/realloc/free exactly like (*Manager).Alloc.
func Alloc(curPtr unsafe.Pointer, reqSize uint64) (unsafe.Pointer, uint64) {
	return mustGlobal().Alloc(curPtr, reqSize)
}

// Nalloc is the package-level veneer over (*Manager).Nalloc.
func Nalloc(curPtr unsafe.Pointer, curSize, reqSize uint64) (unsafe.Pointer, uint64) {
	return mustGlobal().Nalloc(curPtr, curSize, reqSize)
}

// GrantedSpace is the package-level veneer over (*Manager).GrantedSpace.
func GrantedSpace(ptr unsafe.Pointer) uint64 {
	return mustGlobal().GrantedSpace(ptr)
}

// TotalGrantedSpace is the package-level veneer over (*Manager).TotalGrantedSpace.
func TotalGrantedSpace() uint64 {
	return mustGlobal().TotalGrantedSpace()
}

// TotalInstances is the package-level veneer over (*Manager).TotalInstances.
func TotalInstances() uint64 {
	return mustGlobal().TotalInstances()
}

// ForEachInstance is the package-level veneer over (*Manager).ForEachInstance.
func ForEachInstance(cb func(ptr unsafe.Pointer, size uint64)) {
	mustGlobal().ForEachInstance(cb)
}
