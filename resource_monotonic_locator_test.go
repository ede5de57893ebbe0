//go:build linux && (amd64 || arm64) && shmalloc_exec_demo

// This file demonstrates spec.md S5 literally: a small position-independent
// machine-code snippet is carved out of a Monotonic buffer (so it lives in
// an executable shared-memory Segment), its (name, offset) locator is
// handed to a second, independent mapping of the same object opened
// through a reader.Cache — standing in for a separate consumer process —
// and the copied bytes are invoked there as a Go function.
//
// This only builds under the shmalloc_exec_demo tag: executing hand-
// assembled machine code from a test is architecture-fragile and forbidden
// outright in CI environments that disallow executable shared mappings.
// reader/cache_test.go's TestReadResolvesLocatorAcrossProcessesRoundTrip is
// the always-safe substitute that exercises the same locator path with a
// serialized struct instead of machine code.
package shmalloc_test

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/shynur/shmalloc"
	"github.com/shynur/shmalloc/reader"
	"github.com/shynur/shmalloc/resource"
)

// doubleFuncCode returns a tiny function body computing f(x) = 2x, encoded
// for the host architecture's leg of Go's register-based ABIInternal
// calling convention (first integer argument and return value both live in
// RAX on amd64, X0 on arm64 — the same register the C ABI uses on arm64,
// but not on amd64, hence the two encodings).
func doubleFuncCode(t *testing.T) []byte {
	switch runtime.GOARCH {
	case "amd64":
		// add rax, rax; ret
		return []byte{0x48, 0x01, 0xC0, 0xC3}
	case "arm64":
		// add x0, x0, x0; ret
		return []byte{0x00, 0x00, 0x00, 0x8B, 0xC0, 0x03, 0x5F, 0xD6}
	default:
		t.Skipf("no machine-code snippet encoded for GOARCH=%s", runtime.GOARCH)
		return nil
	}
}

// funcval mirrors the runtime's representation of a Go func value: a
// pointer to a struct whose first word is the function's entry PC. Casting
// the address of one as a func value makes calling it jump straight to
// codePtr with no runtime involvement in between.
type funcval struct {
	fn uintptr
}

func makeDoubleFunc(codePtr uintptr) func(uintptr) uintptr {
	fv := &funcval{fn: codePtr}
	return *(*func(uintptr) uintptr)(unsafe.Pointer(&fv))
}

func TestMonotonicLocatorExecutesCopiedMachineCode(t *testing.T) {
	code := doubleFuncCode(t)

	mono := resource.NewMonotonic(shmalloc.PageSize())
	defer mono.Release()

	ptr, err := mono.Allocate(len(code), 1)
	require.NoError(t, err)

	seg, err := mono.Upstream().LastInserted()
	require.NoError(t, err)
	offset := int(ptr - seg.Addr())
	copy(seg.Subspan(offset, offset+len(code)), code)

	name := seg.Name()

	// Simulate a separate consumer process: an independent mapping of the
	// same shared-memory object, resolved purely from the (name, offset)
	// locator, via a Reader Cache exactly as a real consumer would.
	c := reader.NewCache()
	consumerSeg, err := c.SelectSegment(name, shmalloc.WithWritable(true))
	require.NoError(t, err)
	defer c.Release(name)
	defer c.GC()

	codePtr := uintptr(unsafe.Pointer(&consumerSeg.Bytes()[offset]))
	fn := makeDoubleFunc(codePtr)

	require.Equal(t, uintptr(42), fn(21))
}
