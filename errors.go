package shmalloc

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds surfaced by the segment and allocator APIs. Fatal kinds
// (ErrMappingFailed, ErrNameInUse, ErrInvalidName) have no local recovery
// for the call that produced them; the rest are ordinary conditions a
// caller is expected to branch on with errors.Is/errors.As.
var (
	ErrNameInUse   = errors.New("shmalloc: name in use")
	ErrInvalidName = errors.New("shmalloc: invalid name")
	ErrZeroLength  = errors.New("shmalloc: zero length")
	ErrNameTooLong = errors.New("shmalloc: name too long")

	ErrMappingFailed    = errors.New("shmalloc: mapping failed")
	ErrObjectNotInArena = errors.New("shmalloc: object not in arena")

	// ErrNotWritable is returned by write operations on a Segment whose
	// writable capability is false.
	ErrNotWritable = errors.New("shmalloc: segment not writable")

	// ErrCopyOfCreator is returned by CloneAccessor when called on a
	// creator-role Segment; only accessors may be cloned.
	ErrCopyOfCreator = errors.New("shmalloc: cannot copy a creator segment")

	// ErrWrongFlavor is returned by operations that are only meaningful
	// for one Raw Resource flavor (find-arena is ordered-only,
	// last-inserted is hashed-only).
	ErrWrongFlavor = errors.New("shmalloc: raw resource flavor does not support this operation")

	// ErrMovedFrom is returned by operations on a Segment that has been
	// moved from (see Segment.Move).
	ErrMovedFrom = errors.New("shmalloc: segment is in the moved-from state")

	// ErrUnsupportedPlatform is returned by segment construction on builds
	// other than linux/amd64 and linux/arm64, which have no shared-memory
	// implementation wired in.
	ErrUnsupportedPlatform = errors.New("shmalloc: unsupported platform")
)

// TooLargeAlignmentError is returned when a requested allocation alignment
// exceeds the host page size, since a Segment's mapping base is only ever
// guaranteed to be page-aligned.
type TooLargeAlignmentError struct {
	Requested int
	PageSize  int
}

func (e *TooLargeAlignmentError) Error() string {
	return fmt.Sprintf("shmalloc: requested alignment %d exceeds page size %d", e.Requested, e.PageSize)
}

// ObjectNotFoundError is returned when an accessor's bounded wait for a
// named shared-memory object elapses before the object appears.
type ObjectNotFoundError struct {
	Name   string
	Waited time.Duration
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("shmalloc: object %q not found within %s", e.Name, e.Waited)
}
