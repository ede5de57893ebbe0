//go:build !(linux && (amd64 || arm64))

package shmalloc

import "github.com/cenkalti/backoff/v4"

// This platform has no wired POSIX shared-memory implementation (mirrors
// the teacher's handshake_stub.go / shm_futex_stub.go stub pattern outside
// linux/amd64+arm64): create and open report ErrUnsupportedPlatform, and
// unmap and unlink do nothing.
func init() {
	platformCreate = func(name string, size int) ([]byte, string, error) {
		return nil, "", ErrUnsupportedPlatform
	}
	platformOpen = func(name string, writable bool, bo backoff.BackOff) ([]byte, string, error) {
		return nil, "", ErrUnsupportedPlatform
	}
	platformUnmap = func(mem []byte) error { return nil }
	platformUnlink = func(path string) error { return nil }
}
