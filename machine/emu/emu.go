// Package emu executes the x86-64 subset produced by the backend in pure Go.
// Instructions are decoded with x86asm; helper calls, syscalls and signals
// are routed to the machine handlers at instruction boundaries.
package emu

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dbt/capability"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/x86"
	"golang.org/x/arch/x86/x86asm"
)

// poison is written to caller-saved registers after each helper call.
const poison = 0x5a5a_0000_dead_0000

// ctxCheckEvery bounds how many instructions run between context checks.
const ctxCheckEvery = 4096

// lockedOps serializes LOCK-prefixed instructions across machines.
var lockedOps sync.Mutex

type decoded struct {
	raw  [15]byte
	inst x86asm.Inst
}

// Emu is a machine.Machine. Only Signal, SignalAt and CodeChanged may be
// called while Run is in progress on another goroutine.
type Emu struct {
	regions []*region
	last    *region

	regs  machine.Regs
	flags flags

	h       machine.Handlers
	watches []machine.WatchRange
	cache   map[uint64]*decoded

	sigMu   sync.Mutex
	armed   atomic.Bool
	pending []int
	at      map[uint64][]int

	// MaxSteps stops a run with StopLimit after that many instructions.
	// Zero means unlimited.
	MaxSteps uint64
	steps    uint64
}

func New() *Emu {
	return &Emu{cache: make(map[uint64]*decoded), at: make(map[uint64][]int)}
}

// Factory adapts New to machine.Factory.
func Factory() (machine.Machine, error) { return New(), nil }

func init() { machine.RegisterKind("emu", Factory) }

func (e *Emu) Name() string { return "emu" }

// Capabilities is everything the executor implements: no SIMD.
func (e *Emu) Capabilities() *capability.Table {
	m := make(map[capability.Key]capability.Support)
	for _, ent := range capability.Full().Entries() {
		if ent.Key.Op == capability.Vector {
			continue
		}
		m[ent.Key] = ent.Support
	}
	return capability.New("emu", m)
}

func (e *Emu) SetHandlers(h machine.Handlers) { e.h = h }

func (e *Emu) SetWatch(ranges []machine.WatchRange) {
	e.watches = append([]machine.WatchRange(nil), ranges...)
}

// CodeChanged is a no-op: the decode cache is validated against the bytes
// fetched on every step.
func (e *Emu) CodeChanged(uint64, int) {}

func (e *Emu) Reg(r x86.Reg) uint64       { return e.regs.Get(r) }
func (e *Emu) SetReg(r x86.Reg, v uint64) { e.regs.Set(r, v) }
func (e *Emu) PC() uint64                 { return e.regs.PC }
func (e *Emu) Steps() uint64              { return e.steps }
func (e *Emu) Regs() machine.Regs         { return e.regs }
func (e *Emu) SetRegs(r machine.Regs)     { e.regs = r }
func (e *Emu) Close() error               { return nil }

func (e *Emu) Signal(sig int) {
	e.sigMu.Lock()
	e.pending = append(e.pending, sig)
	e.sigMu.Unlock()
	e.armed.Store(true)
}

func (e *Emu) SignalAt(pc uint64, sig int) {
	e.sigMu.Lock()
	e.at[pc] = append(e.at[pc], sig)
	e.sigMu.Unlock()
	e.armed.Store(true)
}

func (e *Emu) takeSignals(pc uint64) []int {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()
	out := e.pending
	e.pending = nil
	if s, ok := e.at[pc]; ok {
		out = append(out, s...)
		delete(e.at, pc)
	}
	if len(e.at) == 0 {
		e.armed.Store(false)
	}
	return out
}

func (e *Emu) deliver() {
	for _, sig := range e.takeSignals(e.regs.PC) {
		if e.h.Signal == nil {
			log.Warn(log.Machine, "signal dropped, no handler", "sig", sig)
			continue
		}
		e.h.Signal(&machine.SignalContext{Sig: sig, Regs: &e.regs})
	}
}

func (e *Emu) push(v uint64) *trap {
	e.regs.GPR[4] -= 8
	return e.store(e.regs.GPR[4], 8, v)
}

func (e *Emu) pop() (uint64, *trap) {
	v, f := e.load(e.regs.GPR[4], 8)
	if f != nil {
		return 0, f
	}
	e.regs.GPR[4] += 8
	return v, nil
}

// Run executes from entry until it returns to machine.ReturnAddr.
func (e *Emu) Run(ctx context.Context, entry uint64, args ...uint64) (machine.Stop, error) {
	if len(args) > len(x86.ArgRegs) {
		return machine.Stop{}, fmt.Errorf("emu: %d arguments, at most %d", len(args), len(x86.ArgRegs))
	}
	e.regs.GPR[4] = machine.StackTop
	if t := e.push(machine.ReturnAddr); t != nil {
		return machine.Stop{}, fmt.Errorf("emu: stack not mapped: %w", &t.fault)
	}
	for i, a := range args {
		e.regs.Set(x86.ArgRegs[i], a)
	}
	e.regs.PC = entry
	e.steps = 0
	for {
		if e.regs.PC == machine.ReturnAddr {
			return machine.Stop{Reason: machine.StopReturned, Value: e.regs.GPR[0], PC: e.regs.PC}, nil
		}
		if e.armed.Load() {
			e.deliver()
			if e.regs.PC == machine.ReturnAddr {
				continue
			}
		}
		if e.steps%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return machine.Stop{PC: e.regs.PC}, err
			}
		}
		if e.MaxSteps != 0 && e.steps >= e.MaxSteps {
			return machine.Stop{Reason: machine.StopLimit, PC: e.regs.PC}, nil
		}
		e.steps++

		stop, done, err := e.step()
		if err != nil {
			return machine.Stop{PC: e.regs.PC}, err
		}
		if done {
			return stop, nil
		}
	}
}

// step executes one instruction. A fault leaves PC at the instruction.
func (e *Emu) step() (machine.Stop, bool, error) {
	pc := e.regs.PC
	inst, t := e.fetch(pc)
	if t == nil {
		t = e.exec(inst, pc+uint64(inst.Len))
	}
	if t == nil {
		return machine.Stop{}, false, nil
	}
	if t.unwind {
		return machine.Stop{Reason: machine.StopUnwound, PC: pc}, true, nil
	}
	if t.err != nil {
		return machine.Stop{}, true, t.err
	}
	e.regs.PC = pc
	mf := t.fault
	mf.PC = pc
	if mf.Kind == machine.FaultWatch {
		return machine.Stop{Reason: machine.StopWatch, PC: pc, Fault: &mf}, true, nil
	}
	if mf.Resolvable() && e.h.Fault != nil && e.h.Fault(&mf) {
		return machine.Stop{}, false, nil
	}
	log.Debug(log.Machine, "emu fault", "kind", mf.Kind, "addr", fmt.Sprintf("0x%x", mf.Addr), "pc", fmt.Sprintf("0x%x", pc))
	return machine.Stop{Reason: machine.StopFault, PC: pc, Fault: &mf}, true, nil
}

func (e *Emu) fetch(pc uint64) (x86asm.Inst, *trap) {
	var raw [15]byte
	if t := e.fetchBytes(pc, raw[:]); t != nil {
		return x86asm.Inst{}, t
	}
	if d, ok := e.cache[pc]; ok && bytes.Equal(d.raw[:d.inst.Len], raw[:d.inst.Len]) {
		return d.inst, nil
	}
	inst, err := x86asm.Decode(raw[:], 64)
	if err != nil {
		return x86asm.Inst{}, faultTrap(machine.FaultIllegal, pc, 1, false)
	}
	e.cache[pc] = &decoded{raw: raw, inst: inst}
	return inst, nil
}
