//go:build unix

package codebuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func allocate(size int) ([]byte, bool, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, false, fmt.Errorf("codebuf: mmap %d bytes: %w", size, err)
	}
	return mem, true, nil
}

func release(mem []byte, mapped bool) error {
	if !mapped {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("codebuf: munmap: %w", err)
	}
	return nil
}
