//go:build linux || darwin

package machine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// reserve maps size bytes lazily; untouched pages cost nothing.
func reserve(size uint64) ([]byte, bool, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, false, fmt.Errorf("reserve guest memory 0x%x: %w", size, err)
	}
	return mem, true, nil
}

func unreserve(mem []byte, mapped bool) error {
	if !mapped {
		return nil
	}
	return unix.Munmap(mem)
}
