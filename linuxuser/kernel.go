// Package linuxuser services guest system calls in user mode. Calls go
// through the safe syscall section, so a guest signal that arrives while a
// call is being set up restarts it instead of losing or doubling it.
package linuxuser

import (
	"encoding/binary"
	"fmt"
)

// Linux x86-64 system call numbers. Guests use this numbering.
const (
	SysRead         = 0
	SysWrite        = 1
	SysSchedYield   = 24
	SysNanosleep    = 35
	SysGetpid       = 39
	SysExit         = 60
	SysGettid       = 186
	SysClockGettime = 228
	SysExitGroup    = 231
)

const (
	EBADF  = 9
	EFAULT = 14
	EINVAL = 22
	ENOSYS = 38
)

var sysNames = map[uint64]string{
	SysRead:         "read",
	SysWrite:        "write",
	SysSchedYield:   "sched_yield",
	SysNanosleep:    "nanosleep",
	SysGetpid:       "getpid",
	SysExit:         "exit",
	SysGettid:       "gettid",
	SysClockGettime: "clock_gettime",
	SysExitGroup:    "exit_group",
}

func SyscallName(nr uint64) string {
	if n, ok := sysNames[nr]; ok {
		return n
	}
	return fmt.Sprintf("sys_%d", nr)
}

// maxIO bounds a single read or write transfer.
const maxIO = 1 << 20

// Memory is guest memory as the kernel reaches it.
type Memory interface {
	Peek(addr uint64, dst []byte) error
	Poke(addr uint64, src []byte) error
}

// Kernel performs one system call. The result is the raw kernel return
// value: negative values are errnos.
type Kernel interface {
	Syscall(mem Memory, nr uint64, args [6]uint64) int64
}

func clampIO(n uint64) int {
	if n > maxIO {
		return maxIO
	}
	return int(n)
}

// Timespec as laid out in guest memory.
type Timespec struct {
	Sec  int64
	Nsec int64
}

func readTimespec(mem Memory, addr uint64) (Timespec, error) {
	var b [16]byte
	if err := mem.Peek(addr, b[:]); err != nil {
		return Timespec{}, err
	}
	return Timespec{
		Sec:  int64(binary.LittleEndian.Uint64(b[:])),
		Nsec: int64(binary.LittleEndian.Uint64(b[8:])),
	}, nil
}

func writeTimespec(mem Memory, addr uint64, ts Timespec) error {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:], uint64(ts.Sec))
	binary.LittleEndian.PutUint64(b[8:], uint64(ts.Nsec))
	return mem.Poke(addr, b[:])
}

func (ts Timespec) valid() bool { return ts.Sec >= 0 && ts.Nsec >= 0 && ts.Nsec < 1e9 }
