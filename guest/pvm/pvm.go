// Package pvm is a guest frontend for the Polkadot virtual machine: 13
// 64-bit registers, a 32-bit address space, a gas counter and a code blob
// addressed by byte offset.
//
// Guest addresses are PVM addresses. The code itself is loaded above the
// address space the program can reach, mapped inaccessible, and blocks are
// translated from that copy.
package pvm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dbt/guest/pvm/program"
	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/machine"
)

const (
	Z_A = 2       // dynamic jump alignment
	Z_P = 1 << 12 // page size
	Z_Z = 1 << 16 // zone size
	Z_I = 1 << 24 // input size

	NumRegs = 13

	// HaltAddr is the return address a program jumps to when it is done.
	HaltAddr = 1<<32 - 1<<16
)

// Status is the machine state a program stops in.
type Status uint8

const (
	HALT    Status = 0 // regular halt
	PANIC   Status = 1 // trap or invalid jump
	FAULT   Status = 2 // page fault
	HOST    Status = 3 // host call
	OOG     Status = 4 // out of gas
	RUNNING Status = 0xff
)

var statusNames = map[Status]string{
	HALT: "halt", PANIC: "panic", FAULT: "fault", HOST: "host", OOG: "out-of-gas", RUNNING: "running",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Exceptions raised by generated code.
const (
	ExcpPanic    = 0x100
	ExcpOutOfGas = 0x101
	ExcpFault    = 0x102 // address above guest memory; the address is in env
	ExcpHalt     = 0x103
)

// Env layout after the registers.
const (
	GasOff       = machine.EnvGuest + 8*NumRegs
	HostCallOff  = GasOff + 8
	FaultAddrOff = HostCallOff + 8
	StatusOff    = FaultAddrOff + 8
)

func RegOff(i int) int32 { return int32(machine.EnvGuest + 8*i) }

// Options configure a run.
type Options struct {
	Gas  int64
	Args []byte
	// MinStack raises the stack size the program asks for.
	MinStack uint64
	// MaxInsns bounds a block when the key carries no count.
	MaxInsns int
}

const defaultMaxInsns = 256

// Frontend implements engine.Frontend for one program image.
type Frontend struct {
	img  *program.Image
	prog *program.Program
	opts Options

	guest  *machine.GuestMemory
	layout Layout

	heapMu sync.Mutex
	heap   uint64

	decoded atomic.Uint64
	blocks  atomic.Uint64
}

func New(img *program.Image, opts Options) (*Frontend, error) {
	if img == nil || img.Program == nil {
		return nil, fmt.Errorf("pvm: no program")
	}
	if opts.MaxInsns <= 0 {
		opts.MaxInsns = defaultMaxInsns
	}
	return &Frontend{img: img, prog: img.Program, opts: opts}, nil
}

// Decode builds a frontend from a standard program or a bare core part.
func Decode(blob []byte, opts Options) (*Frontend, error) {
	img, err := program.Decode(blob)
	if err != nil {
		return nil, err
	}
	return New(img, opts)
}

func (f *Frontend) Name() string                { return "pvm" }
func (f *Frontend) Program() *program.Program   { return f.prog }
func (f *Frontend) Layout() Layout              { return f.layout }
func (f *Frontend) SourceAddr(pc uint64) uint64 { return f.layout.Code + pc }

// Decoded counts guest instructions translated so far.
func (f *Frontend) Decoded() uint64 { return f.decoded.Load() }

// HeapPointer is the current end of the heap.
func (f *Frontend) HeapPointer() uint64 {
	f.heapMu.Lock()
	defer f.heapMu.Unlock()
	return f.heap
}

var helperTable = helper.MustTable(
	helper.Def("pvm_djump", helper.NoGlobalWrite, helper.U64, helper.U64),
	helper.Def("pvm_sbrk", helper.NoGlobalWrite, helper.U64, helper.U64),
)

// Dynamic jump results that are not code addresses.
const (
	djumpHalt  = 1 << 32
	djumpPanic = 1<<32 + 1
)

func (f *Frontend) Helpers() (*helper.Table, map[string]any) {
	return helperTable, map[string]any{
		"pvm_djump": f.djump,
		"pvm_sbrk":  f.sbrk,
	}
}

// djump resolves a dynamic jump address through the jump table.
func (f *Frontend) djump(a uint64) uint64 {
	a &= 0xffffffff
	if a == HaltAddr {
		return djumpHalt
	}
	if a == 0 || a > uint64(len(f.prog.J))*Z_A || a%Z_A != 0 {
		return djumpPanic
	}
	target := uint64(f.prog.J[a/Z_A-1])
	if !f.prog.IsBlockStart(target) {
		return djumpPanic
	}
	return target
}

// sbrk grows the heap by n bytes and returns the old end. Zero queries the
// heap end; a request past the heap limit returns zero.
func (f *Frontend) sbrk(n uint64) uint64 {
	f.heapMu.Lock()
	defer f.heapMu.Unlock()
	old := f.heap
	if n == 0 {
		return old
	}
	end := old + n
	if end < old || end > f.layout.HeapLimit {
		return 0
	}
	if mapped := alignUp(old, Z_P); end > mapped {
		if err := f.guest.Map(mapped, alignUp(end, Z_P)-mapped, machine.PermRW); err != nil {
			return 0
		}
	}
	f.heap = end
	return old
}
