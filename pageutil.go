package shmalloc

import (
	"sync"

	"golang.org/x/sys/unix"
)

var pageSizeOnce = sync.OnceValue(func() int {
	return unix.Getpagesize()
})

// PageSize returns the host page size, queried once via unix.Getpagesize and cached
// for the lifetime of the process.
func PageSize() int {
	return pageSizeOnce()
}

// CeilToPageSize rounds n up to the next multiple of PageSize. It returns 0
// for n <= 0.
func CeilToPageSize(n int) int {
	if n <= 0 {
		return 0
	}
	ps := PageSize()
	if n%ps == 0 {
		return n
	}
	return (n/ps + 1) * ps
}
