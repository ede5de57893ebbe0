/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shmalloc

import (
	"strings"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/shynur/shmalloc/internal/log"
)

// Role distinguishes the two Segment lifecycles: a creator owns the
// underlying POSIX object and unlinks it on destruction; an accessor only
// maps an already-existing object.
type Role int

const (
	RoleCreator Role = iota
	RoleAccessor
)

func (r Role) String() string {
	if r == RoleCreator {
		return "creator"
	}
	return "accessor"
}

// Segment represents one POSIX shared-memory object mapped into the
// current process's address space. See spec.md §3 for the full invariant
// set; in short: exactly one creator may exist per name host-wide, both
// roles munmap on destruction, and only the creator additionally unlinks.
type Segment struct {
	name     string
	path     string
	mem      []byte
	role     Role
	writable bool
}

// platform hooks, wired up by segment_unix.go (linux amd64/arm64) or
// segment_stub.go (everything else) — mirrors the teacher's own
// unmapMemory function-variable pattern in shm_mmap_unix.go.
var (
	platformCreate func(name string, size int) (mem []byte, path string, err error)
	platformOpen   func(name string, writable bool, deadline backoff.BackOff) (mem []byte, path string, err error)
	platformUnmap  func(mem []byte) error
	platformUnlink func(path string) error
)

// NewCreator constructs a creator Segment: shm_open(CREAT|EXCL), ftruncate
// to size, then mmap. The kernel zero-fills the ftruncate-extended region.
func NewCreator(name string, size int) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, ErrZeroLength
	}
	if platformCreate == nil {
		return nil, ErrUnsupportedPlatform
	}
	mem, path, err := platformCreate(name, size)
	if err != nil {
		return nil, err
	}
	return &Segment{name: name, path: path, mem: mem, role: RoleCreator, writable: true}, nil
}

// AccessorOption configures NewAccessor.
type AccessorOption func(*accessorOptions)

type accessorOptions struct {
	writable bool
	backoff  backoff.BackOff
}

// WithWritable requests a writable mapping of the accessor. It fails at
// mapping time (not at option-application time) if the underlying object
// cannot be opened for writing.
func WithWritable(writable bool) AccessorOption {
	return func(o *accessorOptions) { o.writable = writable }
}

// WithPollBackoff overrides the retry policy used while waiting for the
// named object to appear. The default is an exponential backoff starting
// at 10ms, capped at 50ms between attempts, with a 1s overall deadline
// (spec.md §9 Q3).
func WithPollBackoff(b backoff.BackOff) AccessorOption {
	return func(o *accessorOptions) { o.backoff = b }
}

func defaultAccessorBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 1 * time.Second
	return b
}

// NewAccessor waits (bounded, default 1s) for the named object to appear,
// then fstats it to learn its size and mmaps it.
func NewAccessor(name string, opts ...AccessorOption) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	o := accessorOptions{writable: false, backoff: defaultAccessorBackoff()}
	for _, opt := range opts {
		opt(&o)
	}
	if platformOpen == nil {
		return nil, ErrUnsupportedPlatform
	}
	mem, path, err := platformOpen(name, o.writable, o.backoff)
	if err != nil {
		return nil, err
	}
	return &Segment{name: name, path: path, mem: mem, role: RoleAccessor, writable: o.writable}, nil
}

// Close unmaps the Segment; a creator additionally unlinks the underlying
// object. It never returns an error to the caller: munmap/shm_unlink
// failures are logged at debug level and swallowed, since the only
// alternative is process termination (spec.md §7). Closing a moved-from
// Segment is a no-op.
func (s *Segment) Close() error {
	if s.mem == nil {
		return nil
	}
	if platformUnmap != nil {
		if err := platformUnmap(s.mem); err != nil {
			log.L().Debugw("munmap failed", "name", s.name, "error", err)
		}
	}
	if s.role == RoleCreator && platformUnlink != nil {
		if err := platformUnlink(s.path); err != nil {
			log.L().Debugw("shm_unlink failed", "name", s.name, "error", err)
		}
	}
	s.mem = nil
	s.name = ""
	s.path = ""
	return nil
}

// Move transfers ownership of the mapping to a new Segment and nullifies
// the receiver (address == nil, length == 0), modeling spec.md §3's move
// semantics without a language-level move constructor.
func (s *Segment) Move() *Segment {
	moved := &Segment{name: s.name, path: s.path, mem: s.mem, role: s.role, writable: s.writable}
	s.name, s.path, s.mem = "", "", nil
	return moved
}

// CloneAccessor establishes a second, independent mapping of the same
// object. Only accessors may be cloned; cloning a creator returns
// ErrCopyOfCreator (spec.md §3: "Copy of a creator is disallowed").
func (s *Segment) CloneAccessor() (*Segment, error) {
	if s.mem == nil {
		return nil, ErrMovedFrom
	}
	if s.role == RoleCreator {
		return nil, ErrCopyOfCreator
	}
	return NewAccessor(s.name, WithWritable(s.writable))
}

// At returns the byte at index i. Like a slice index, it panics if i is
// out of [0, Len()) — this is a programming-error bound, not one of the
// enumerated recoverable error kinds.
func (s *Segment) At(i int) byte {
	return s.mem[i]
}

// SetAt writes b at index i. It returns ErrNotWritable if the Segment's
// write capability is false; otherwise it panics on out-of-range i exactly
// like a slice assignment would.
func (s *Segment) SetAt(i int, b byte) error {
	if !s.writable {
		return ErrNotWritable
	}
	s.mem[i] = b
	return nil
}

// Subspan returns a []byte view over mem[start:end]. Go slices already
// model "a view over a range" without needing a distinct span type.
func (s *Segment) Subspan(start, end int) []byte {
	return s.mem[start:end]
}

// Equal compares two Segments by name only (spec.md I5).
func (s *Segment) Equal(other *Segment) bool {
	if other == nil {
		return false
	}
	return s.name == other.name
}

// Bytes returns the full mapped region. Callers must respect Writable()
// before mutating it directly; SetAt enforces this for single-byte writes.
func (s *Segment) Bytes() []byte { return s.mem }

// Len returns the mapping length in bytes.
func (s *Segment) Len() int { return len(s.mem) }

// Name returns the segment's shared-memory name, including its leading
// slash.
func (s *Segment) Name() string { return s.name }

// Addr returns the process-local base address of the mapping. It is 0 for
// a moved-from Segment.
func (s *Segment) Addr() uintptr {
	if len(s.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.mem[0]))
}

// Role reports whether this Segment is a creator or an accessor.
func (s *Segment) Role() Role { return s.role }

// Writable reports the Segment's static write capability.
func (s *Segment) Writable() bool { return s.writable }

// IsMovedFrom reports whether this Segment has been moved from (or
// already Close()d).
func (s *Segment) IsMovedFrom() bool { return s.mem == nil }

func validateName(name string) error {
	if len(name) < 1 {
		return errors.Wrap(ErrInvalidName, "must be non-empty")
	}
	if len(name) > 247 {
		return errors.Wrapf(ErrNameTooLong, "%d bytes exceeds the 247-byte limit", len(name))
	}
	if name[0] != '/' {
		return errors.Wrap(ErrInvalidName, "must start with '/'")
	}
	if strings.Contains(name[1:], "/") {
		return errors.Wrap(ErrInvalidName, "must not contain embedded slashes")
	}
	for i := 0; i < len(name); i++ {
		if !isAllowedNameByte(name[i]) {
			return errors.Wrap(ErrInvalidName, "contains disallowed character")
		}
	}
	return nil
}

func isAllowedNameByte(b byte) bool {
	switch {
	case b >= '0' && b <= '9':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b == '/' || b == '.' || b == '_' || b == '-':
		return true
	default:
		return false
	}
}
