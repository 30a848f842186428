package pvm

import (
	"fmt"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
)

// Layout places the standard program segments in guest memory. It follows
// the standard program initialisation with the top of the address space
// moved down to the end of guest memory, below the code.
type Layout struct {
	RO, ROSize          uint64
	RW, RWSize          uint64
	Heap, HeapLimit     uint64
	StackBase, StackTop uint64
	Args, ArgsSize      uint64
	Code, CodeSize      uint64
	// Limit is the first address past guest memory.
	Limit uint64
}

func alignUp(x, a uint64) uint64   { return (x + a - 1) &^ (a - 1) }
func alignDown(x, a uint64) uint64 { return x &^ (a - 1) }

func (f *Frontend) computeLayout(memSize uint64) (Layout, error) {
	img := f.img
	l := Layout{Limit: memSize}
	l.RO = Z_Z
	l.ROSize = alignUp(uint64(len(img.RO)), Z_P)
	l.RW = 2*Z_Z + alignUp(uint64(len(img.RO)), Z_Z)
	l.RWSize = alignUp(uint64(len(img.RW)), Z_P) + uint64(img.HeapPages)*Z_P
	l.Heap = l.RW + l.RWSize

	l.CodeSize = max(alignUp(uint64(len(f.prog.Code)), Z_P), Z_P)
	if memSize < l.CodeSize+4*Z_Z {
		return l, fmt.Errorf("%w: guest memory 0x%x too small", dbterrors.ErrBadImage, memSize)
	}
	l.Code = memSize - l.CodeSize
	top := alignDown(min(l.Code, 1<<32), Z_Z)

	l.ArgsSize = alignUp(uint64(len(f.opts.Args)), Z_P)
	argsZone := alignUp(uint64(len(f.opts.Args)), Z_Z)
	stack := max(alignUp(uint64(img.StackSize), Z_P), alignUp(f.opts.MinStack, Z_P))
	need := l.Heap + Z_Z + stack + Z_Z + argsZone + Z_Z
	if need > top {
		return l, fmt.Errorf("%w: program needs 0x%x bytes below the code, have 0x%x", dbterrors.ErrBadImage, need, top)
	}
	l.Args = top - Z_Z - argsZone
	l.StackTop = l.Args - Z_Z
	l.StackBase = l.StackTop - stack
	l.HeapLimit = l.StackBase - Z_Z
	return l, nil
}

// Setup maps and loads the program segments, the arguments and the code.
func (f *Frontend) Setup(guest *machine.GuestMemory) error {
	l, err := f.computeLayout(guest.Size())
	if err != nil {
		return err
	}
	type segment struct {
		addr, size uint64
		perm       machine.Perm
		data       []byte
	}
	segs := []segment{
		{l.RO, l.ROSize, machine.PermRead, f.img.RO},
		{l.RW, l.RWSize, machine.PermRW, f.img.RW},
		{l.StackBase, l.StackTop - l.StackBase, machine.PermRW, nil},
		{l.Args, l.ArgsSize, machine.PermRead, f.opts.Args},
		{l.Code, l.CodeSize, machine.PermNone, f.prog.Code},
	}
	for _, s := range segs {
		if s.size == 0 {
			continue
		}
		if err := guest.Map(s.addr, s.size, s.perm); err != nil {
			return err
		}
		if err := guest.Poke(s.addr, s.data); err != nil {
			return err
		}
	}
	f.guest = guest
	f.layout = l
	f.heapMu.Lock()
	f.heap = l.Heap
	f.heapMu.Unlock()
	log.Debug(log.PVM, "layout", "ro", l.RO, "rw", l.RW, "heap", l.Heap, "stack", l.StackTop,
		"args", l.Args, "code", l.Code, "jumps", len(f.prog.J))
	return nil
}

// InitCPU sets the registers of the standard program initialisation.
func (f *Frontend) InitCPU(c *cpu.CPU) error {
	regs := map[int]uint64{
		0: HaltAddr,
		1: f.layout.StackTop,
		7: f.layout.Args,
		8: uint64(len(f.opts.Args)),
	}
	for i := 0; i < NumRegs; i++ {
		if err := c.SetEnvU64(RegOff(i), regs[i]); err != nil {
			return err
		}
	}
	if err := c.SetEnvU64(GasOff, uint64(f.opts.Gas)); err != nil {
		return err
	}
	if err := c.SetEnvU64(StatusOff, uint64(RUNNING)); err != nil {
		return err
	}
	return c.SetPC(0)
}
