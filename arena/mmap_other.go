//go:build !linux

package arena

import "os"

// Non-Linux platforms have no portable MAP_SHARED + cross-process Flock
// story that preserves the Seqlock's cross-process visibility guarantees,
// so the arena refuses to operate rather than silently falling back to a
// private, non-shared mapping that would break every invariant in §5.

func mmapFile(f *os.File, size int64, writable bool) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

func munmap(b []byte) error {
	return errUnsupportedPlatform
}

func growFile(f *os.File, size int64) error {
	return errUnsupportedPlatform
}

func flockExclusive(f *os.File) error {
	return errUnsupportedPlatform
}

func funlock(f *os.File) error {
	return errUnsupportedPlatform
}

func isWouldBlock(err error) bool {
	return false
}
