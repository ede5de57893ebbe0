// Package shmalloc provides the shared-memory allocator stack used to pass
// arbitrary in-memory messages between cooperating local processes on a
// POSIX host through named, file-backed shared-memory segments.
//
// A producer instantiates one of the memory-resource adapters in the
// resource subpackage (Raw, Monotonic, or Pool), allocates space from it,
// and asks the resource for the Segment containing the returned pointer.
// The (segment name, offset) pair is then published to a peer by any
// out-of-band channel; the peer opens it lazily through a reader.Cache.
package shmalloc
