package linuxuser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/safesyscall"
	"github.com/colorfulnotion/dbt/x86"
)

// ABI moves the call number, arguments and result between guest registers
// and the kernel. Frontends implement it.
type ABI interface {
	SyscallArgs(c *cpu.CPU) (nr uint64, args [6]uint64, err error)
	SetSyscallReturn(c *cpu.CPU, ret int64) error
}

type Stats struct {
	Calls    uint64
	Restarts uint64
	Unknown  uint64
	ByName   map[string]uint64
}

// Syscalls is the cpu.SyscallHandler for user-mode guests. One value serves
// every vCPU of an engine.
type Syscalls struct {
	ctx context.Context
	k   Kernel
	abi ABI
	mem Memory

	// Group lists the vCPUs exit_group stops; nil stops only the caller.
	Group func() []*cpu.CPU

	mu       sync.Mutex
	stats    Stats
	exited   bool
	exitCode int
}

func New(ctx context.Context, k Kernel, abi ABI, mem Memory) *Syscalls {
	return &Syscalls{ctx: ctx, k: k, abi: abi, mem: mem, stats: Stats{ByName: make(map[string]uint64)}}
}

// Syscall runs on the vCPU goroutine after the guest trapped. A call the
// safe syscall section abandoned is reissued once the pending guest signal
// has been delivered.
func (s *Syscalls) Syscall(c *cpu.CPU) error {
	nr, args, err := s.abi.SyscallArgs(c)
	if err != nil {
		return err
	}
	name := SyscallName(nr)
	log.Trace(log.Syscall, "syscall", "cpu", c.Index(), "nr", name, "a0", args[0], "a1", args[1], "a2", args[2])

	switch nr {
	case SysExit:
		s.exit(int(int32(args[0])))
		c.Halt()
		return nil
	case SysExitGroup:
		s.exit(int(int32(args[0])))
		if s.Group != nil {
			for _, o := range s.Group() {
				if o != c {
					o.Stop()
				}
			}
		}
		c.Halt()
		return nil
	}

	for {
		ret, err := safesyscall.Call(s.ctx, c.Machine(), nr, args[:]...)
		if errors.Is(err, dbterrors.ErrRestartSyscall) {
			s.mu.Lock()
			s.stats.Restarts++
			s.mu.Unlock()
			log.Debug(log.Syscall, "restart", "cpu", c.Index(), "nr", name)
			halt, err := c.DeliverSignals()
			if err != nil {
				return err
			}
			if halt {
				c.Halt()
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("syscall %s: %w", name, err)
		}
		s.mu.Lock()
		s.stats.Calls++
		s.stats.ByName[name]++
		if ret == -ENOSYS {
			s.stats.Unknown++
		}
		s.mu.Unlock()
		return s.abi.SetSyscallReturn(c, ret)
	}
}

// Trap is the kernel side: the machine calls it for the syscall
// instruction inside the safe section.
func (s *Syscalls) Trap(regs *machine.Regs) {
	var args [6]uint64
	for i, r := range x86.SyscallRegs {
		args[i] = regs.Get(r)
	}
	ret := s.k.Syscall(s.mem, regs.Get(x86.RAX), args)
	regs.Set(x86.RAX, uint64(ret))
}

func (s *Syscalls) exit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exited {
		s.exited, s.exitCode = true, code
	}
}

// Exited reports whether the guest called exit or exit_group, and its code.
func (s *Syscalls) Exited() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited, s.exitCode
}

func (s *Syscalls) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.ByName = make(map[string]uint64, len(s.stats.ByName))
	for k, v := range s.stats.ByName {
		st.ByName[k] = v
	}
	return st
}
