//go:build linux

package linuxuser

import (
	"errors"

	"golang.org/x/sys/unix"
)

// HostKernel passes a small set of calls to the host kernel. Buffers are
// copied between guest memory and the host.
type HostKernel struct {
	// Fds the guest may read and write; nil allows 0, 1 and 2.
	Fds map[int]bool
}

func NewHostKernel() *HostKernel { return &HostKernel{} }

func (k *HostKernel) allowed(fd int) bool {
	if k.Fds == nil {
		return fd >= 0 && fd <= 2
	}
	return k.Fds[fd]
}

func errnoOf(err error) int64 {
	var e unix.Errno
	if errors.As(err, &e) {
		return -int64(e)
	}
	return -EINVAL
}

func (k *HostKernel) Syscall(mem Memory, nr uint64, a [6]uint64) int64 {
	switch nr {
	case SysRead:
		fd := int(int32(a[0]))
		if !k.allowed(fd) {
			return -EBADF
		}
		buf := make([]byte, clampIO(a[2]))
		n, err := unix.Read(fd, buf)
		if err != nil {
			return errnoOf(err)
		}
		if err := mem.Poke(a[1], buf[:n]); err != nil {
			return -EFAULT
		}
		return int64(n)
	case SysWrite:
		fd := int(int32(a[0]))
		if !k.allowed(fd) {
			return -EBADF
		}
		buf := make([]byte, clampIO(a[2]))
		if err := mem.Peek(a[1], buf); err != nil {
			return -EFAULT
		}
		n, err := unix.Write(fd, buf)
		if err != nil {
			return errnoOf(err)
		}
		return int64(n)
	case SysGetpid:
		return int64(unix.Getpid())
	case SysGettid:
		return int64(unix.Gettid())
	case SysSchedYield:
		if _, _, e := unix.Syscall(unix.SYS_SCHED_YIELD, 0, 0, 0); e != 0 {
			return -int64(e)
		}
		return 0
	case SysNanosleep:
		req, err := readTimespec(mem, a[0])
		if err != nil {
			return -EFAULT
		}
		if !req.valid() {
			return -EINVAL
		}
		in := unix.Timespec{Sec: req.Sec, Nsec: req.Nsec}
		var rem unix.Timespec
		if err := unix.Nanosleep(&in, &rem); err != nil {
			if a[1] != 0 {
				writeTimespec(mem, a[1], Timespec{Sec: rem.Sec, Nsec: rem.Nsec})
			}
			return errnoOf(err)
		}
		return 0
	case SysClockGettime:
		var ts unix.Timespec
		if err := unix.ClockGettime(int32(a[0]), &ts); err != nil {
			return errnoOf(err)
		}
		if err := writeTimespec(mem, a[1], Timespec{Sec: ts.Sec, Nsec: ts.Nsec}); err != nil {
			return -EFAULT
		}
		return 0
	}
	return -ENOSYS
}
