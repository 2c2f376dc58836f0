package tbman

import (
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrInvalidFree is panicked when a pointer was not issued by this Manager.
	ErrInvalidFree = errors.New("tbman: free of invalid memory")

	// ErrDoubleFree indicates a pointer was already free (debug builds only).
	ErrDoubleFree = errors.New("tbman: double free")

	// ErrOutsidePool indicates a pointer lies outside the owning pool (debug builds only).
	ErrOutsidePool = errors.New("tbman: free of address outside pool")

	// ErrReservedRegion indicates a pointer falls inside a pool's reserved header region (debug builds only).
	ErrReservedRegion = errors.New("tbman: free of reserved header region")
)

// fail reports a fatal internal-integrity error and aborts the current goroutine
// via panic, naming the calling function and its source position.
//
// tbman has no recoverable error channel for integrity violations: an allocator
// whose bookkeeping is compromised cannot safely continue serving requests.
func fail(format string, args ...any) {
	pc, file, line, ok := runtime.Caller(1)
	fn := "unknown"
	if ok {
		if f := runtime.FuncForPC(pc); f != nil {
			fn = f.Name()
		}
	}
	panic(fmt.Errorf("tbman: fatal error in %s (%s:%d): %s", fn, file, line, fmt.Sprintf(format, args...)))
}
