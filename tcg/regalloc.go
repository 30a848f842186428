package tcg

import (
	"fmt"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/x86"
)

// Register roles. r14 holds the env block, r15 the guest memory base and
// r11 is scratch for sequences; none of them is ever allocated.
var (
	regEnv     = x86.R14
	regGuest   = x86.R15
	regScratch = x86.R11
)

// allocOrder prefers callee-saved registers so values survive helper calls.
var allocOrder = []x86.Reg{
	x86.RBX, x86.RBP, x86.R12, x86.R13,
	x86.R8, x86.R9, x86.R10, x86.RSI, x86.RDI, x86.RCX, x86.RDX, x86.RAX,
}

const (
	spillSlots = 64
	// frameSize keeps rsp 16-byte aligned after the six prologue pushes.
	frameSize = spillSlots*8 + 8
)

type tempState struct {
	reg   int // hardware register number, -1 when not in a register
	dirty bool
	slot  int // spill slot of a local, -1 until first needed
}

type regAlloc struct {
	u    *ir.Unit
	asm  *x86.Assembler
	live *liveness

	temps  []tempState
	owner  [16]ir.Temp
	stamp  [16]uint64
	locked uint16
	clock  uint64

	slots  int
	spills int
	err    error
}

func newRegAlloc(u *ir.Unit, asm *x86.Assembler, live *liveness) *regAlloc {
	ra := &regAlloc{u: u, asm: asm, live: live, temps: make([]tempState, u.NumTemps())}
	for i := range ra.temps {
		ra.temps[i] = tempState{reg: -1, slot: -1}
	}
	for i := range ra.owner {
		ra.owner[i] = ir.NoTemp
	}
	return ra
}

func (ra *regAlloc) fail(err error) {
	if ra.err == nil {
		ra.err = err
	}
}

func (ra *regAlloc) isLocked(i int) bool { return ra.locked&(1<<i) != 0 }
func (ra *regAlloc) lock(r x86.Reg)      { ra.locked |= 1 << r.Index() }

func (ra *regAlloc) touch(i int) {
	ra.clock++
	ra.stamp[i] = ra.clock
}

func (ra *regAlloc) bind(t ir.Temp, r x86.Reg) {
	i := r.Index()
	ra.owner[i] = t
	ra.temps[t].reg = i
	ra.touch(i)
}

func (ra *regAlloc) unbind(t ir.Temp) {
	st := &ra.temps[t]
	if st.reg >= 0 {
		ra.owner[st.reg] = ir.NoTemp
		st.reg = -1
	}
	st.dirty = false
}

// pick returns an unlocked register, evicting the least recently used
// value when none is free.
func (ra *regAlloc) pick() x86.Reg {
	for _, r := range allocOrder {
		if i := r.Index(); ra.owner[i] == ir.NoTemp && !ra.isLocked(i) {
			return r
		}
	}
	var victim x86.Reg
	found := false
	for _, r := range allocOrder {
		i := r.Index()
		if ra.isLocked(i) {
			continue
		}
		if !found || ra.stamp[i] < ra.stamp[victim.Index()] {
			victim, found = r, true
		}
	}
	if !found {
		ra.fail(fmt.Errorf("tcg: every register is an operand of one op: %w", dbterrors.ErrTooManyOperands))
		return regScratch
	}
	ra.evict(victim)
	return victim
}

func (ra *regAlloc) slotOf(t ir.Temp) x86.Mem {
	st := &ra.temps[t]
	if st.slot < 0 {
		if ra.slots == spillSlots {
			ra.fail(fmt.Errorf("tcg: more than %d spilled values: %w", spillSlots, dbterrors.ErrSpillOverflow))
			return x86.BaseDisp(x86.RSP, 0)
		}
		st.slot = ra.slots
		ra.slots++
	}
	return x86.BaseDisp(x86.RSP, int32(st.slot*8))
}

func envSize(t ir.Type) int {
	if t == ir.I32 {
		return 4
	}
	return 8
}

// writeback stores a dirty register value to its home.
func (ra *regAlloc) writeback(t ir.Temp) {
	st := &ra.temps[t]
	if !st.dirty || st.reg < 0 {
		return
	}
	info := ra.u.Info(t)
	r := x86.Regs[st.reg]
	switch info.Kind {
	case ir.KindGlobal:
		ra.asm.Emit(x86.EmitStore(envSize(info.Type), r, x86.BaseDisp(regEnv, info.EnvOffset))...)
	case ir.KindLocal:
		ra.asm.Emit(x86.EmitStore(8, r, ra.slotOf(t))...)
		ra.spills++
	}
	st.dirty = false
}

func (ra *regAlloc) evict(r x86.Reg) {
	t := ra.owner[r.Index()]
	if t == ir.NoTemp {
		return
	}
	ra.writeback(t)
	ra.unbind(t)
}

// reserve frees fixed registers for the current op.
func (ra *regAlloc) reserve(regs ...x86.Reg) {
	for _, r := range regs {
		ra.evict(r)
		ra.lock(r)
	}
}

// valueInto copies t's current value to dst without binding it.
func (ra *regAlloc) valueInto(dst x86.Reg, t ir.Temp) {
	info := ra.u.Info(t)
	st := &ra.temps[t]
	switch {
	case info.Kind == ir.KindConst:
		ra.asm.Emit(x86.EmitMovImmToReg64(dst, info.Value)...)
	case st.reg >= 0:
		if st.reg != dst.Index() {
			ra.asm.Emit(x86.EmitMovRegToReg64(dst, x86.Regs[st.reg])...)
		}
		ra.touch(st.reg)
	case info.Kind == ir.KindGlobal:
		ra.asm.Emit(x86.EmitLoad(envSize(info.Type), false, dst, x86.BaseDisp(regEnv, info.EnvOffset))...)
	default:
		ra.asm.Emit(x86.EmitLoad(8, false, dst, ra.slotOf(t))...)
	}
}

// input returns a register holding t, locked until the op completes.
func (ra *regAlloc) input(t ir.Temp) x86.Reg {
	if st := &ra.temps[t]; st.reg >= 0 {
		r := x86.Regs[st.reg]
		ra.touch(st.reg)
		ra.lock(r)
		return r
	}
	r := ra.pick()
	ra.valueInto(r, t)
	ra.bind(t, r)
	ra.lock(r)
	return r
}

// output returns a fresh register for a new value of t. It never aliases
// an input of the same op.
func (ra *regAlloc) output(t ir.Temp) x86.Reg {
	ra.unbind(t)
	r := ra.pick()
	ra.bind(t, r)
	ra.temps[t].dirty = true
	ra.lock(r)
	return r
}

// release ends an op: unlock everything and drop values that died at op i.
func (ra *regAlloc) release(op *ir.Op, i int) {
	ra.locked = 0
	for _, t := range op.Ins {
		if ra.live.dies(ra.u, t, i) {
			ra.unbind(t)
		}
	}
	for _, t := range op.Outs {
		if ra.live.dies(ra.u, t, i) {
			ra.unbind(t)
		}
	}
}

func (ra *regAlloc) syncGlobals() {
	for _, t := range ra.owner {
		if t != ir.NoTemp && ra.u.IsGlobal(t) {
			ra.writeback(t)
		}
	}
}

// syncCross writes back locals that another region may read.
func (ra *regAlloc) syncCross() {
	for _, t := range ra.owner {
		if t != ir.NoTemp && ra.u.Info(t).Kind == ir.KindLocal && ra.live.cross[t] {
			ra.writeback(t)
		}
	}
}

// dropGlobals forgets cached globals after env may have changed. They must
// already be clean.
func (ra *regAlloc) dropGlobals(overlap func(off int32, size int) bool) {
	for _, t := range ra.owner {
		if t == ir.NoTemp || !ra.u.IsGlobal(t) {
			continue
		}
		info := ra.u.Info(t)
		if overlap == nil || overlap(info.EnvOffset, envSize(info.Type)) {
			ra.unbind(t)
		}
	}
}

// clobber empties every caller-saved register ahead of a call.
func (ra *regAlloc) clobber() {
	for _, r := range x86.CallerSaved {
		ra.evict(r)
	}
}

// reset forgets every binding at a region start. Values live in their homes.
func (ra *regAlloc) reset() {
	for i, t := range ra.owner {
		if t != ir.NoTemp {
			ra.unbind(t)
		}
		ra.stamp[i] = 0
	}
	ra.locked = 0
}
