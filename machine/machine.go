// Package machine models the host CPU that generated code runs on: a 64-bit
// address space with fixed regions, the System V register file, and the
// events (signals, syscalls, helper calls, faults) that leave generated code.
package machine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/colorfulnotion/dbt/capability"
	"github.com/colorfulnotion/dbt/x86"
)

type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermNone Perm = 0
	PermRW        = PermRead | PermWrite
	PermRX        = PermRead | PermExec
	PermAll       = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Address-space layout shared by every implementation. Generated code keeps
// EnvBase in r14 and GuestBase in r15.
const (
	PageBits = 12
	PageSize = 1 << PageBits

	StackBase uint64 = 0x0010_0000
	StackSize uint64 = 0x0010_0000
	StackTop         = StackBase + StackSize

	EnvBase uint64 = 0x0030_0000
	EnvSize uint64 = 0x0001_0000

	SafeSyscallBase uint64 = 0x0040_0000
	SafeSyscallSize uint64 = PageSize

	CodeBase uint64 = 0x4000_0000

	HelperBase uint64 = 0x7000_0000
	HelperSize uint64 = 0x0010_0000

	// ReturnAddr is pushed by Run; returning to it ends the run.
	ReturnAddr uint64 = 0x7fff_f000

	GuestBase uint64 = 0x1_0000_0000
)

// Fixed env block fields. Frontend globals start at EnvGuest.
const (
	EnvExitRequest    = 0  // int32, nonzero makes the next block entry exit
	EnvExceptionIndex = 4  // int32, set by exit_excp and raise_exception
	EnvPC             = 8  // u64 guest program counter
	EnvFlags          = 16 // u32 guest mode bits, part of the block key
	// EnvSignalPending is an int32 set by the signal handler while a guest
	// signal waits for delivery; the safe syscall section checks it.
	EnvSignalPending = 20
	EnvGuest         = 64
	// EnvSyscallArgs holds the number and six arguments of the next safe
	// syscall, at the top of the block away from frontend globals.
	EnvSyscallArgs = int32(EnvSize) - 64
)

// Regs is the general purpose register file indexed by hardware number.
type Regs struct {
	GPR [16]uint64
	PC  uint64
}

func (r *Regs) Get(reg x86.Reg) uint64    { return r.GPR[reg.Index()] }
func (r *Regs) Set(reg x86.Reg, v uint64) { r.GPR[reg.Index()] = v }

// SignalContext is handed to the signal handler at an instruction boundary.
// Changing PC or Regs redirects execution when the handler returns.
type SignalContext struct {
	Sig  int
	Regs *Regs
}

type FaultKind int

const (
	FaultUnmapped FaultKind = iota
	FaultProtection
	// FaultCodeWrite is a write to a guest page that has translated code.
	FaultCodeWrite
	FaultWatch
	FaultDivide
	FaultIllegal
)

var faultNames = [...]string{"unmapped", "protection", "code-write", "watch", "divide", "illegal"}

func (k FaultKind) String() string {
	if int(k) < len(faultNames) {
		return faultNames[k]
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// Fault describes an access or instruction the machine could not complete.
// PC is the host address of the faulting instruction.
type Fault struct {
	Kind  FaultKind
	Addr  uint64
	Size  int
	Write bool
	PC    uint64
}

func (f *Fault) Error() string {
	dir := "read"
	if f.Write {
		dir = "write"
	}
	return fmt.Sprintf("%s fault: %s of %d bytes at 0x%x (pc 0x%x)", f.Kind, dir, f.Size, f.Addr, f.PC)
}

// Resolvable faults are offered to Handlers.Fault before the run stops.
func (f *Fault) Resolvable() bool {
	return f.Kind == FaultCodeWrite || f.Kind == FaultUnmapped || f.Kind == FaultProtection
}

type StopReason int

const (
	StopReturned StopReason = iota
	StopUnwound
	StopFault
	StopWatch
	StopLimit
)

var stopNames = [...]string{"returned", "unwound", "fault", "watch", "limit"}

func (s StopReason) String() string {
	if int(s) < len(stopNames) {
		return stopNames[s]
	}
	return fmt.Sprintf("stop(%d)", int(s))
}

type Stop struct {
	Reason StopReason
	// Value is rax when the run returned.
	Value uint64
	PC    uint64
	Fault *Fault
}

// Handlers are invoked on the goroutine executing Run.
type Handlers struct {
	Signal  func(sc *SignalContext)
	Syscall func(regs *Regs)
	// Helper runs the helper at addr. unwind ends the run without
	// returning to the caller.
	Helper func(addr uint64, regs *Regs) (ret uint64, unwind bool, err error)
	// Fault returns true when it resolved the fault and the instruction
	// should be retried.
	Fault func(f *Fault) bool
}

// WatchRange stops the run before an access overlapping [Start, End).
type WatchRange struct {
	Start, End uint64
	Read       bool
	Write      bool
}

func (w WatchRange) Hit(addr uint64, size int, write bool) bool {
	if addr >= w.End || addr+uint64(size) <= w.Start {
		return false
	}
	if write {
		return w.Write
	}
	return w.Read
}

type CodeSource interface {
	Base() uint64
	Cap() int
	Read(addr uint64, dst []byte) error
}

// Machine is one host execution context. A vCPU owns exactly one.
type Machine interface {
	Name() string
	// Map creates zeroed memory at [addr, addr+size).
	Map(addr, size uint64, perm Perm) error
	MapGuest(mem *GuestMemory) error
	MapCode(code CodeSource) error
	Protect(addr, size uint64, perm Perm) error
	Read(addr uint64, dst []byte) error
	Write(addr uint64, src []byte) error

	Reg(r x86.Reg) uint64
	SetReg(r x86.Reg, v uint64)

	// Run calls entry with args in the System V argument registers and
	// returns when it returns to ReturnAddr or stops.
	Run(ctx context.Context, entry uint64, args ...uint64) (Stop, error)

	// Signal queues sig for delivery at the next instruction boundary. Safe
	// to call from any goroutine.
	Signal(sig int)
	// SignalAt delivers sig once, just before the instruction at pc.
	SignalAt(pc uint64, sig int)

	SetHandlers(h Handlers)
	SetWatch(ranges []WatchRange)
	// CodeChanged reports bytes written or patched in the code region.
	CodeChanged(addr uint64, n int)
	Capabilities() *capability.Table
	Close() error
}

// Factory builds a fresh machine; engines create one per vCPU.
type Factory func() (Machine, error)

var (
	kindsMu sync.RWMutex
	kinds   = map[string]Factory{}
)

// RegisterKind makes a machine implementation available by name.
func RegisterKind(name string, f Factory) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	f, ok := kinds[name]
	if !ok {
		return nil, fmt.Errorf("machine: unknown kind %q (have %v)", name, kindNames())
	}
	return f, nil
}

func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	return kindNames()
}

func kindNames() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Setup maps the fixed regions every vCPU needs.
func Setup(m Machine, guest *GuestMemory, code CodeSource) error {
	if err := m.Map(StackBase, StackSize, PermRW); err != nil {
		return err
	}
	if err := m.Map(EnvBase, EnvSize, PermRW); err != nil {
		return err
	}
	if err := m.Map(SafeSyscallBase, SafeSyscallSize, PermRX); err != nil {
		return err
	}
	if guest != nil {
		if err := m.MapGuest(guest); err != nil {
			return err
		}
	}
	if code != nil {
		if err := m.MapCode(code); err != nil {
			return err
		}
	}
	return nil
}

func IsHelper(addr uint64) bool { return addr >= HelperBase && addr < HelperBase+HelperSize }
