package tcg

import (
	"fmt"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/x86"
)

// callArg is an IR temp, or an immediate when temp is ir.NoTemp.
type callArg struct {
	temp ir.Temp
	imm  uint64
}

func (e *emitter) call(op *ir.Op) error {
	out := ir.NoTemp
	if len(op.Outs) == 1 {
		out = op.Outs[0]
	}
	return e.callTemps(op.Helper, out, op.Ins)
}

func (e *emitter) callTemps(name string, out ir.Temp, ins []ir.Temp) error {
	plan, err := helper.PlanCall(e.t.Helpers.Table(), e.u, name, out, ins)
	if err != nil {
		return err
	}
	args := make([]callArg, len(ins))
	for i, t := range ins {
		args[i] = callArg{temp: t}
	}
	return e.emitCall(plan.Sig, args, plan.Result)
}

func (e *emitter) callImm(name string, imms ...uint64) error {
	sig, err := e.t.Helpers.Table().Describe(name)
	if err != nil {
		return err
	}
	if len(sig.Args) != len(imms) {
		return fmt.Errorf("call %s: %d args, want %d: %w", name, len(imms), len(sig.Args), dbterrors.ErrArityMismatch)
	}
	args := make([]callArg, len(imms))
	for i, v := range imms {
		args[i] = callArg{temp: ir.NoTemp, imm: v}
	}
	return e.emitCall(sig, args, ir.NoTemp)
}

// emitCall marshals args into the System V argument registers, extending
// 32-bit values by their declared signedness. Every caller-saved register
// is emptied first, so argument sources are never overwritten.
func (e *emitter) emitCall(sig helper.Signature, args []callArg, out ir.Temp) error {
	addr, err := e.t.Helpers.Addr(sig.Name)
	if err != nil {
		return err
	}
	e.ra.syncGlobals()
	e.ra.clobber()

	reg := 0
	if sig.Has(helper.EnvImplicit) {
		e.asm.Emit(x86.EmitMovRegToReg64(x86.ArgRegs[0], regEnv)...)
		reg = 1
	}
	for i, a := range args {
		dst := x86.ArgRegs[reg+i]
		if a.temp == ir.NoTemp {
			e.asm.Emit(x86.EmitMovImmToReg64(dst, a.imm)...)
		} else {
			e.ra.valueInto(dst, a.temp)
		}
		switch sig.Args[i] {
		case helper.S32:
			e.asm.Emit(x86.EmitMovsxd(dst, dst)...)
		case helper.U32:
			e.zext32(dst)
		}
	}
	e.asm.Emit(x86.EmitMovImmToReg64(regScratch, addr)...)
	e.asm.Emit(x86.EmitCallReg(regScratch)...)
	e.code.HelperCalls++

	if sig.Has(helper.MayNotReturn) {
		e.dead = true
		return nil
	}
	if !sig.Has(helper.NoGlobalWrite) {
		e.ra.dropGlobals(nil)
	}
	if out != ir.NoTemp {
		r := e.ra.output(out)
		e.mov(r, x86.RAX, sig.Ret.Bits() == 64)
	}
	return nil
}
