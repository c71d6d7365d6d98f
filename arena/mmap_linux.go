//go:build linux

package arena

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps the whole of f (which must already be sized to size bytes)
// read-write (for a writer) or read-only (for a reader). Both cases use
// MAP_SHARED: readers must still observe writer mutations through the
// mapping, unlike a read-only query cache that can safely use MAP_PRIVATE
// once its backing file is immutable.
func mmapFile(f *os.File, size int64, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}

// growFile extends f to size bytes, allocating the blocks up front so later
// writes cannot SIGBUS on a sparse region that was never backed by disk.
func growFile(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}

// flockExclusive acquires a non-blocking exclusive advisory lock on f.
// ErrFlowBusy-mapped callers should treat EWOULDBLOCK/EAGAIN as contention.
func flockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func isWouldBlock(err error) bool {
	return err == unix.EWOULDBLOCK || err == unix.EAGAIN
}
