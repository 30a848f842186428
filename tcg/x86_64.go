package tcg

import (
	"fmt"

	"github.com/colorfulnotion/dbt/capability"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/x86"
)

// X86_64 emits System V x86-64 code.
type X86_64 struct {
	caps *capability.Table
}

func NewX86_64(caps *capability.Table) *X86_64 {
	if caps == nil {
		caps = capability.Baseline()
	}
	return &X86_64{caps: caps}
}

func (b *X86_64) Name() string                    { return HostName }
func (b *X86_64) Capabilities() *capability.Table { return b.caps }

func (b *X86_64) Frame(base uint64) *Frame {
	a := x86.NewAssembler(64)
	for _, r := range x86.CalleeSaved {
		a.Emit(x86.EmitPushReg(r)...)
	}
	a.Emit(x86.EmitAluRegImm(x86.X86_REG_SUB, true, x86.RSP, frameSize)...)
	a.Emit(x86.EmitMovRegToReg64(regEnv, x86.ArgRegs[0])...)
	a.Emit(x86.EmitMovAbs(regGuest, machine.GuestBase)...)
	a.Emit(x86.EmitJmpReg(x86.ArgRegs[1])...)

	a.Align(base, 16)
	epilogue := a.Len()
	a.Emit(x86.EmitAluRegImm(x86.X86_REG_ADD, true, x86.RSP, frameSize)...)
	for i := len(x86.CalleeSaved) - 1; i >= 0; i-- {
		a.Emit(x86.EmitPopReg(x86.CalleeSaved[i])...)
	}
	a.Emit(x86.EmitRet()...)
	return &Frame{
		Bytes:    append([]byte(nil), a.Bytes()...),
		Base:     base,
		Entry:    base,
		Epilogue: base + uint64(epilogue),
	}
}

type emitter struct {
	caps   *capability.Table
	t      *Target
	u      *ir.Unit
	asm    *x86.Assembler
	ra     *regAlloc
	labels []x86.Label
	code   *Code

	// dead is set after an unconditional exit until the next label.
	dead   bool
	lastPC uint64
}

func (b *X86_64) Emit(u *ir.Unit, t *Target) (*Code, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if t == nil || t.Helpers == nil {
		return nil, fmt.Errorf("tcg: emit without a helper registry")
	}
	asm := x86.NewAssembler(256)
	e := &emitter{
		caps:   b.caps,
		t:      t,
		u:      u,
		asm:    asm,
		ra:     newRegAlloc(u, asm, analyze(u)),
		code:   &Code{Base: t.Base, JumpSite: [2]int{-1, -1}, JumpReset: [2]int{-1, -1}},
		lastPC: u.PC,
	}
	e.labels = make([]x86.Label, u.NumLabels())
	for i := range e.labels {
		e.labels[i] = asm.NewLabel()
	}

	e.entryCheck()
	for i := range u.Ops {
		op := &u.Ops[i]
		if e.dead && op.Code != ir.OpSetLabel {
			continue
		}
		if err := e.lower(op); err != nil {
			return nil, fmt.Errorf("tcg: op %d %s: %w", i, u.FormatOp(op), err)
		}
		e.ra.release(op, i)
		if e.ra.err != nil {
			return nil, fmt.Errorf("tcg: op %d %s: %w", i, u.FormatOp(op), e.ra.err)
		}
	}
	if !e.dead {
		asm.Emit(x86.EmitTrap()...)
	}
	if err := asm.Resolve(); err != nil {
		return nil, err
	}
	c := e.code
	c.Bytes = append([]byte(nil), asm.Bytes()...)
	c.Spills = e.ra.spills
	c.SpillSlots = e.ra.slots
	log.Trace(log.TCG, "emitted", "pc", fmt.Sprintf("0x%x", u.PC), "ops", len(u.Ops), "bytes", len(c.Bytes),
		"helpers", c.HelperCalls, "spills", c.Spills)
	return c, nil
}

// entryCheck leaves the block before any guest effect when another thread
// asked this vCPU to stop. Chained jumps land here too.
func (e *emitter) entryCheck() {
	body := e.asm.NewLabel()
	e.asm.Emit(x86.EmitCmpMemImm8(x86.BaseDisp(regEnv, machine.EnvExitRequest), 0)...)
	e.asm.JccLabel(x86.CondE, body)
	e.asm.Emit(x86.EmitMovImmToReg64(x86.RAX, e.t.Base|ExitRequested)...)
	e.jmpAbs(e.t.Epilogue)
	e.asm.Bind(body)
}

func (e *emitter) jmpAbs(target uint64) {
	end := e.t.Base + uint64(e.asm.Len()) + 5
	e.asm.Emit(x86.EmitJmpRel32(int32(int64(target) - int64(end)))...)
}

func (e *emitter) jccAbs(cc x86.Cond, target uint64) {
	end := e.t.Base + uint64(e.asm.Len()) + 6
	e.asm.Emit(x86.EmitJccRel32(cc, int32(int64(target)-int64(end)))...)
}

// exit returns value to the dispatcher.
func (e *emitter) exit(value uint64) {
	if value == 0 {
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_XOR_RM_R, false, x86.RAX, x86.RAX)...)
	} else {
		e.asm.Emit(x86.EmitMovImmToReg64(x86.RAX, value)...)
	}
	e.jmpAbs(e.t.Epilogue)
	e.dead = true
}

// endRegion makes every value visible in memory before control leaves the
// straight-line code.
func (e *emitter) endRegion() {
	e.ra.syncGlobals()
	e.ra.syncCross()
}

func (e *emitter) storeEnvImm(off int32, v int32) {
	e.asm.Emit(x86.EmitStoreImm32(4, x86.BaseDisp(regEnv, off), v)...)
}

func (e *emitter) lower(op *ir.Op) error {
	if err := e.checkWidth(op); err != nil {
		return err
	}
	switch op.Code {
	case ir.OpNop:
	case ir.OpInsnStart:
		e.lastPC = uint64(op.Aux)
		e.code.Insns = append(e.code.Insns, InsnMark{GuestPC: e.lastPC, HostOff: e.asm.Len()})
	case ir.OpSetLabel:
		if !e.dead {
			e.endRegion()
		}
		e.ra.reset()
		e.asm.Bind(e.labels[op.Label])
		e.dead = false
	case ir.OpBr:
		e.endRegion()
		e.asm.JmpLabel(e.labels[op.Label])
		e.dead = true
	case ir.OpBrcond:
		e.endRegion()
		cc, static := e.compare(op.Cond, op.Type, op.Ins[0], op.Ins[1])
		switch static {
		case 1:
			e.asm.JmpLabel(e.labels[op.Label])
			e.dead = true
		case 0:
			e.asm.JccLabel(cc, e.labels[op.Label])
		}
	case ir.OpGotoTB:
		e.ra.syncGlobals()
		slot := int(op.Aux)
		e.asm.AlignRel32(e.t.Base, 1)
		e.asm.Emit(x86.EmitJmpRel32(0)...)
		e.code.JumpSite[slot] = e.asm.Len() - 4
		e.code.JumpReset[slot] = e.asm.Len()
	case ir.OpExitTB:
		e.ra.syncGlobals()
		if op.Aux < 0 {
			e.exit(0)
		} else {
			e.exit(e.t.Base | uint64(op.Aux))
		}
	case ir.OpGotoPtr:
		e.ra.syncGlobals()
		e.ra.valueInto(x86.RAX, op.Ins[0])
		e.asm.Emit(x86.EmitTestReg64(x86.RAX, x86.RAX)...)
		e.jccAbs(x86.CondE, e.t.Epilogue)
		e.asm.Emit(x86.EmitJmpReg(x86.RAX)...)
		e.dead = true
	case ir.OpExitException:
		e.ra.syncGlobals()
		e.storeEnvImm(machine.EnvExceptionIndex, int32(op.Aux))
		e.exit(0)
	case ir.OpCall:
		return e.call(op)
	default:
		return e.lowerData(op)
	}
	return nil
}

// checkWidth rejects scalar operands the general registers cannot hold.
// Vector operations address env directly and carry no register operands.
func (e *emitter) checkWidth(op *ir.Op) error {
	if op.Code == ir.OpGvecAdd {
		return nil
	}
	for _, t := range append(append([]ir.Temp{}, op.Ins...), op.Outs...) {
		if typ := e.u.TypeOf(t); typ.Bits() != 32 && typ.Bits() != 64 {
			return fmt.Errorf("%s operand %s: %w", op.Code, typ, dbterrors.ErrUnsupportedWidth)
		}
	}
	return nil
}

// unsupported builds the generation error for op at width bits.
func unsupported(op *ir.Op, bits int) error {
	return fmt.Errorf("%s at %d bits: %w", op.Code, bits, dbterrors.ErrUnsupportedOp)
}
