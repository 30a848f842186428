package linuxuser

import (
	"bytes"
	"sync"
	"time"
)

// Call is one system call a FakeKernel saw.
type Call struct {
	Nr   uint64
	Args [6]uint64
	Ret  int64
}

// FakeKernel serves system calls from memory: stdin from a byte slice,
// stdout and stderr into buffers, and a clock that only moves when the
// guest sleeps.
type FakeKernel struct {
	Pid   int64
	Stdin []byte

	// OnCall runs before each call is served.
	OnCall func(nr uint64, args [6]uint64)

	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
	clock  time.Duration
	calls  []Call
}

func NewFakeKernel() *FakeKernel { return &FakeKernel{Pid: 4242} }

func (k *FakeKernel) Syscall(mem Memory, nr uint64, a [6]uint64) int64 {
	if k.OnCall != nil {
		k.OnCall(nr, a)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	ret := k.serve(mem, nr, a)
	k.calls = append(k.calls, Call{Nr: nr, Args: a, Ret: ret})
	return ret
}

func (k *FakeKernel) serve(mem Memory, nr uint64, a [6]uint64) int64 {
	switch nr {
	case SysRead:
		if a[0] != 0 {
			return -EBADF
		}
		n := min(clampIO(a[2]), len(k.Stdin))
		if err := mem.Poke(a[1], k.Stdin[:n]); err != nil {
			return -EFAULT
		}
		k.Stdin = k.Stdin[n:]
		return int64(n)
	case SysWrite:
		var out *bytes.Buffer
		switch a[0] {
		case 1:
			out = &k.stdout
		case 2:
			out = &k.stderr
		default:
			return -EBADF
		}
		buf := make([]byte, clampIO(a[2]))
		if err := mem.Peek(a[1], buf); err != nil {
			return -EFAULT
		}
		out.Write(buf)
		return int64(len(buf))
	case SysGetpid, SysGettid:
		return k.Pid
	case SysSchedYield:
		return 0
	case SysNanosleep:
		req, err := readTimespec(mem, a[0])
		if err != nil {
			return -EFAULT
		}
		if !req.valid() {
			return -EINVAL
		}
		k.clock += time.Duration(req.Sec)*time.Second + time.Duration(req.Nsec)
		return 0
	case SysClockGettime:
		ts := Timespec{Sec: int64(k.clock / time.Second), Nsec: int64(k.clock % time.Second)}
		if err := writeTimespec(mem, a[1], ts); err != nil {
			return -EFAULT
		}
		return 0
	}
	return -ENOSYS
}

func (k *FakeKernel) Stdout() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stdout.String()
}

func (k *FakeKernel) Stderr() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stderr.String()
}

func (k *FakeKernel) Calls() []Call {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Call(nil), k.calls...)
}

// Clock is the time the guest has slept.
func (k *FakeKernel) Clock() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.clock
}
