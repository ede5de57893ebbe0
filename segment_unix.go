//go:build linux && (amd64 || arm64)

package shmalloc

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/shynur/shmalloc/internal/log"
)

func init() {
	platformCreate = createSegment
	platformOpen = openSegment
	platformUnmap = unmapSegment
	platformUnlink = unlinkSegment
}

// execUnsupported latches once a writable mmap with PROT_EXEC has failed
// with EPERM, so subsequent mappings skip the doomed attempt (spec.md §7's
// "one-shot flag").
var (
	execUnsupportedOnce sync.Once
	execUnsupported     bool
)

func shmPath(name string) string {
	return filepath.Join("/dev/shm", strings.TrimPrefix(name, "/"))
}

func createSegment(name string, size int) ([]byte, string, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0666)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, "", ErrNameInUse
		}
		return nil, "", errors.Wrapf(ErrMappingFailed, "shm_open %s: %v", path, err)
	}
	cleanup := func() {
		unix.Close(fd)
		unix.Unlink(path)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		cleanup()
		return nil, "", errors.Wrapf(ErrMappingFailed, "ftruncate %s: %v", path, err)
	}
	mem, err := mmapWithExecRetry(fd, size, true)
	unix.Close(fd)
	if err != nil {
		unix.Unlink(path)
		return nil, "", errors.Wrapf(ErrMappingFailed, "mmap %s: %v", path, err)
	}
	return mem, path, nil
}

func openSegment(name string, writable bool, bo backoff.BackOff) ([]byte, string, error) {
	path := shmPath(name)
	flags := unix.O_RDONLY
	if writable {
		flags = unix.O_RDWR
	}

	var fd int
	waited := time.Duration(0)
	start := time.Now()
	operation := func() error {
		f, err := unix.Open(path, flags, 0)
		if err != nil {
			if errors.Is(err, unix.ENOENT) {
				return err // retryable
			}
			return backoff.Permanent(errors.Wrapf(ErrMappingFailed, "open %s: %v", path, err))
		}
		fd = f
		return nil
	}
	if err := backoff.Retry(operation, bo); err != nil {
		waited = time.Since(start)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, "", perm.Err
		}
		return nil, "", &ObjectNotFoundError{Name: name, Waited: waited}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, "", errors.Wrapf(ErrMappingFailed, "fstat %s: %v", path, err)
	}
	mem, err := mmapWithExecRetry(fd, int(st.Size), writable)
	unix.Close(fd)
	if err != nil {
		return nil, "", errors.Wrapf(ErrMappingFailed, "mmap %s: %v", path, err)
	}
	return mem, path, nil
}

// mmapFunc is a seam over unix.Mmap so tests can simulate a host that
// rejects PROT_EXEC without needing an actual noexec /dev/shm mount.
var mmapFunc = unix.Mmap

// mmapWithExecRetry requests PROT_EXEC alongside PROT_READ[|PROT_WRITE] for
// writable mappings, falling back to a non-executable mapping if the host
// rejects it with EPERM (spec.md §6/§7).
func mmapWithExecRetry(fd int, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	flags := unix.MAP_SHARED
	if writable {
		prot |= unix.PROT_WRITE
	} else {
		flags |= unix.MAP_NORESERVE
	}

	tryExec := writable && !execUnsupported
	if tryExec {
		mem, err := mmapFunc(fd, 0, size, prot|unix.PROT_EXEC, flags)
		if err == nil {
			return mem, nil
		}
		if !errors.Is(err, unix.EPERM) {
			return nil, err
		}
		execUnsupportedOnce.Do(func() {
			execUnsupported = true
			log.L().Debugw("PROT_EXEC rejected by host, falling back to non-executable mappings")
		})
	}
	return mmapFunc(fd, 0, size, prot, flags)
}

func unmapSegment(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}

func unlinkSegment(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
