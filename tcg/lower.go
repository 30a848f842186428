package tcg

import (
	"math"
	"strconv"

	"github.com/colorfulnotion/dbt/capability"
	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/x86"
)

var condCodes = [...]x86.Cond{
	ir.CondEQ:  x86.CondE,
	ir.CondNE:  x86.CondNE,
	ir.CondLT:  x86.CondL,
	ir.CondGE:  x86.CondGE,
	ir.CondLE:  x86.CondLE,
	ir.CondGT:  x86.CondG,
	ir.CondLTU: x86.CondB,
	ir.CondGEU: x86.CondAE,
	ir.CondLEU: x86.CondBE,
	ir.CondGTU: x86.CondA,
}

type aluForm struct {
	rr  byte // "op r/m, r" opcode
	ext byte // group 1 extension for the immediate form
}

var aluOps = map[ir.Opcode]aluForm{
	ir.OpAdd: {x86.X86_OP_ADD_RM_R, x86.X86_REG_ADD},
	ir.OpSub: {x86.X86_OP_SUB_RM_R, x86.X86_REG_SUB},
	ir.OpAnd: {x86.X86_OP_AND_RM_R, x86.X86_REG_AND},
	ir.OpOr:  {x86.X86_OP_OR_RM_R, x86.X86_REG_OR},
	ir.OpXor: {x86.X86_OP_XOR_RM_R, x86.X86_REG_XOR},
}

var shiftOps = map[ir.Opcode]byte{
	ir.OpShl:  x86.X86_REG_SHL,
	ir.OpShr:  x86.X86_REG_SHR,
	ir.OpSar:  x86.X86_REG_SAR,
	ir.OpRotl: x86.X86_REG_ROL,
	ir.OpRotr: x86.X86_REG_ROR,
}

var bitCounts = map[ir.Opcode]struct {
	cap capability.Op
	op2 byte
}{
	ir.OpClz:   {capability.CountLeadingZeros, x86.X86_OP2_LZCNT},
	ir.OpCtz:   {capability.CountTrailingZeros, x86.X86_OP2_TZCNT},
	ir.OpCtpop: {capability.PopulationCount, x86.X86_OP2_POPCNT},
}

func wide(t ir.Type) bool { return t != ir.I32 }

func (e *emitter) native(op capability.Op, bits int) bool {
	return e.caps.Supports(op, bits) != capability.Unsupported
}

func (e *emitter) mov(dst, src x86.Reg, w bool) {
	if w {
		if dst != src {
			e.asm.Emit(x86.EmitMovRegToReg64(dst, src)...)
		}
		return
	}
	e.asm.Emit(x86.EmitMovRegToReg32(dst, src)...)
}

func (e *emitter) zext32(r x86.Reg) { e.asm.Emit(x86.EmitMovRegToReg32(r, r)...) }

// imm returns t as an immediate for an op of type typ when it fits the
// sign-extended imm32 forms.
func (e *emitter) imm(t ir.Temp, typ ir.Type) (int32, bool) {
	if !e.u.IsConst(t) {
		return 0, false
	}
	v := e.u.ConstValue(t)
	if typ == ir.I32 {
		return int32(uint32(v)), true
	}
	if int64(v) == int64(int32(v)) {
		return int32(v), true
	}
	return 0, false
}

// compare sets flags for a <c> b. When the outcome is known at translation
// time nothing is emitted and static is 1 (true) or -1 (false).
func (e *emitter) compare(c ir.Cond, typ ir.Type, a, b ir.Temp) (cc x86.Cond, static int) {
	switch c {
	case ir.CondAlways:
		return 0, 1
	case ir.CondNever:
		return 0, -1
	}
	if e.u.IsConst(a) && e.u.IsConst(b) {
		if ir.Compare(c, typ, e.u.ConstValue(a), e.u.ConstValue(b)) {
			return 0, 1
		}
		return 0, -1
	}
	if e.u.IsConst(a) {
		a, b, c = b, a, c.Swap()
	}
	w := wide(typ)
	ra := e.ra.input(a)
	if v, ok := e.imm(b, typ); ok {
		e.asm.Emit(x86.EmitAluRegImm(x86.X86_REG_CMP, w, ra, v)...)
	} else {
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_CMP_RM_R, w, ra, e.ra.input(b))...)
	}
	return condCodes[c], 0
}

func (e *emitter) lowerData(op *ir.Op) error {
	switch op.Code {
	case ir.OpMovi:
		out := e.ra.output(op.Outs[0])
		e.asm.Emit(x86.EmitMovImmToReg64(out, op.Type.Mask(uint64(op.Aux)))...)
	case ir.OpMov:
		e.move(op)
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		e.alu(op)
	case ir.OpMul:
		e.multiply(op)
	case ir.OpNeg, ir.OpNot:
		ext := byte(x86.X86_REG_NEG)
		if op.Code == ir.OpNot {
			ext = x86.X86_REG_NOT
		}
		ra := e.ra.input(op.Ins[0])
		out := e.ra.output(op.Outs[0])
		e.mov(out, ra, wide(op.Type))
		e.asm.Emit(x86.EmitUnary(ext, wide(op.Type), out)...)
	case ir.OpAndc, ir.OpOrc, ir.OpEqv:
		e.complement(op)
	case ir.OpShl, ir.OpShr, ir.OpSar:
		e.shift(op)
	case ir.OpRotl, ir.OpRotr:
		if !e.native(capability.Rotate, op.Type.Bits()) {
			return e.fallback(op)
		}
		e.shift(op)
	case ir.OpDivu, ir.OpDivs, ir.OpRemu, ir.OpRems:
		if !e.native(capability.Divide, op.Type.Bits()) {
			return e.fallback(op)
		}
		e.divide(op)
	case ir.OpMulhu, ir.OpMulhs, ir.OpMulhsu:
		if op.Type == ir.I32 {
			e.mulHigh32(op)
			return nil
		}
		if !e.native(capability.MultiplyHigh, 64) {
			return e.fallback(op)
		}
		e.mulHigh64(op)
	case ir.OpAddCO:
		e.addCarry(op)
	case ir.OpClz, ir.OpCtz, ir.OpCtpop:
		bc := bitCounts[op.Code]
		if !e.native(bc.cap, op.Type.Bits()) {
			return e.fallback(op)
		}
		ra := e.ra.input(op.Ins[0])
		out := e.ra.output(op.Outs[0])
		e.asm.Emit(x86.EmitBitCount(bc.op2, wide(op.Type), out, ra)...)
	case ir.OpBswap:
		return e.byteSwap(op)
	case ir.OpExt8s, ir.OpExt8u, ir.OpExt16s, ir.OpExt16u, ir.OpExt32s, ir.OpExt32u, ir.OpTrunc:
		e.extend(op)
	case ir.OpSetcond:
		cc, static := e.compare(op.Cond, op.Type, op.Ins[0], op.Ins[1])
		out := e.ra.output(op.Outs[0])
		switch static {
		case 1:
			e.asm.Emit(x86.EmitMovImmToReg64(out, 1)...)
		case -1:
			e.asm.Emit(x86.EmitMovImmToReg64(out, 0)...)
		default:
			// mov leaves the flags alone; setcc only writes the low byte
			e.asm.Emit(x86.EmitMovImmToReg64(out, 0)...)
			e.asm.Emit(x86.EmitSetcc(cc, out)...)
		}
	case ir.OpMovcond:
		e.moveCond(op)
	case ir.OpLoad:
		e.load(op)
	case ir.OpStore:
		e.store(op)
	case ir.OpLoadEnv:
		e.ra.syncGlobals()
		out := e.ra.output(op.Outs[0])
		e.asm.Emit(x86.EmitLoad(envSize(op.Type), false, out, x86.BaseDisp(regEnv, int32(op.Aux)))...)
	case ir.OpStoreEnv:
		e.storeEnv(op)
	case ir.OpAtomicCmpXchg:
		e.cmpxchg(op)
	case ir.OpGvecAdd:
		return e.vectorAdd(op)
	default:
		return unsupported(op, op.Type.Bits())
	}
	return nil
}

func (e *emitter) move(op *ir.Op) {
	src := op.Ins[0]
	if e.u.IsConst(src) {
		out := e.ra.output(op.Outs[0])
		e.asm.Emit(x86.EmitMovImmToReg64(out, e.u.ConstValue(src))...)
		return
	}
	ra := e.ra.input(src)
	out := e.ra.output(op.Outs[0])
	e.mov(out, ra, wide(op.Type))
}

func (e *emitter) alu(op *ir.Op) {
	form := aluOps[op.Code]
	a, b := op.Ins[0], op.Ins[1]
	if op.Code != ir.OpSub && e.u.IsConst(a) && !e.u.IsConst(b) {
		a, b = b, a
	}
	w := wide(op.Type)
	ra := e.ra.input(a)
	v, isImm := e.imm(b, op.Type)
	var rb x86.Reg
	if !isImm {
		rb = e.ra.input(b)
	}
	out := e.ra.output(op.Outs[0])
	e.mov(out, ra, w)
	if isImm {
		e.asm.Emit(x86.EmitAluRegImm(form.ext, w, out, v)...)
		return
	}
	e.asm.Emit(x86.EmitAluRegReg(form.rr, w, out, rb)...)
}

func (e *emitter) multiply(op *ir.Op) {
	w := wide(op.Type)
	ra := e.ra.input(op.Ins[0])
	rb := e.ra.input(op.Ins[1])
	out := e.ra.output(op.Outs[0])
	e.mov(out, ra, w)
	e.asm.Emit(x86.EmitImulRegReg(w, out, rb)...)
}

// complement lowers andc, orc and eqv as two-instruction sequences; the
// host has no single instruction for them.
func (e *emitter) complement(op *ir.Op) {
	w := wide(op.Type)
	ra := e.ra.input(op.Ins[0])
	rb := e.ra.input(op.Ins[1])
	out := e.ra.output(op.Outs[0])
	switch op.Code {
	case ir.OpAndc:
		e.mov(out, rb, w)
		e.asm.Emit(x86.EmitUnary(x86.X86_REG_NOT, w, out)...)
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_AND_RM_R, w, out, ra)...)
	case ir.OpOrc:
		e.mov(out, rb, w)
		e.asm.Emit(x86.EmitUnary(x86.X86_REG_NOT, w, out)...)
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_OR_RM_R, w, out, ra)...)
	default:
		e.mov(out, ra, w)
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_XOR_RM_R, w, out, rb)...)
		e.asm.Emit(x86.EmitUnary(x86.X86_REG_NOT, w, out)...)
	}
}

// shift uses the imm8 form for constant counts and CL otherwise. The host
// masks counts exactly as the IR defines.
func (e *emitter) shift(op *ir.Op) {
	ext := shiftOps[op.Code]
	w := wide(op.Type)
	a, b := op.Ins[0], op.Ins[1]
	if e.u.IsConst(b) {
		n := uint8(e.u.ConstValue(b) & uint64(op.Type.Bits()-1))
		ra := e.ra.input(a)
		out := e.ra.output(op.Outs[0])
		e.mov(out, ra, w)
		if n != 0 {
			e.asm.Emit(x86.EmitShiftImm(ext, w, out, n)...)
		}
		return
	}
	e.ra.reserve(x86.RCX)
	e.ra.valueInto(x86.RCX, b)
	ra := e.ra.input(a)
	out := e.ra.output(op.Outs[0])
	e.mov(out, ra, w)
	e.asm.Emit(x86.EmitShiftCL(ext, w, out)...)
}

// divide guards the native divide so that it never traps: x/0 yields all
// ones with remainder x, and MIN/-1 yields MIN with remainder 0.
func (e *emitter) divide(op *ir.Op) {
	w := wide(op.Type)
	signed := op.Code == ir.OpDivs || op.Code == ir.OpRems
	a := e.asm
	e.ra.reserve(x86.RAX, x86.RDX)
	e.ra.valueInto(regScratch, op.Ins[1])
	e.ra.valueInto(x86.RAX, op.Ins[0])

	zero, done := a.NewLabel(), a.NewLabel()
	a.Emit(x86.EmitAluRegReg(x86.X86_OP_TEST_RM_R, w, regScratch, regScratch)...)
	a.JccLabel(x86.CondE, zero)
	if signed {
		normal := a.NewLabel()
		a.Emit(x86.EmitAluRegImm(x86.X86_REG_CMP, w, regScratch, -1)...)
		a.JccLabel(x86.CondNE, normal)
		a.Emit(x86.EmitUnary(x86.X86_REG_NEG, w, x86.RAX)...)
		a.Emit(x86.EmitAluRegReg(x86.X86_OP_XOR_RM_R, false, x86.RDX, x86.RDX)...)
		a.JmpLabel(done)
		a.Bind(normal)
		a.Emit(x86.EmitCqo(w)...)
		a.Emit(x86.EmitUnary(x86.X86_REG_IDIV, w, regScratch)...)
	} else {
		a.Emit(x86.EmitAluRegReg(x86.X86_OP_XOR_RM_R, false, x86.RDX, x86.RDX)...)
		a.Emit(x86.EmitUnary(x86.X86_REG_DIV, w, regScratch)...)
	}
	a.JmpLabel(done)
	a.Bind(zero)
	e.mov(x86.RDX, x86.RAX, w)
	a.Emit(x86.EmitMovImmToReg64(x86.RAX, op.Type.Mask(math.MaxUint64))...)
	a.Bind(done)

	out := e.ra.output(op.Outs[0])
	if op.Code == ir.OpRemu || op.Code == ir.OpRems {
		e.mov(out, x86.RDX, w)
	} else {
		e.mov(out, x86.RAX, w)
	}
}

func (e *emitter) mulHigh64(op *ir.Op) {
	e.ra.reserve(x86.RAX, x86.RDX)
	e.ra.valueInto(regScratch, op.Ins[1])
	e.ra.valueInto(x86.RAX, op.Ins[0])
	out := e.ra.output(op.Outs[0])
	switch op.Code {
	case ir.OpMulhu:
		e.asm.Emit(x86.EmitUnary(x86.X86_REG_MUL, true, regScratch)...)
	case ir.OpMulhs:
		e.asm.Emit(x86.EmitUnary(x86.X86_REG_IMUL, true, regScratch)...)
	default:
		// unsigned high half, minus b when a is negative
		e.mov(out, x86.RAX, true)
		e.asm.Emit(x86.EmitUnary(x86.X86_REG_MUL, true, regScratch)...)
		e.asm.Emit(x86.EmitShiftImm(x86.X86_REG_SAR, true, out, 63)...)
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_AND_RM_R, true, out, regScratch)...)
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_SUB_RM_R, true, x86.RDX, out)...)
	}
	e.mov(out, x86.RDX, true)
}

// mulHigh32 widens both operands and keeps bits 32..63 of the product.
func (e *emitter) mulHigh32(op *ir.Op) {
	ra := e.ra.input(op.Ins[0])
	rb := e.ra.input(op.Ins[1])
	out := e.ra.output(op.Outs[0])
	if op.Code == ir.OpMulhu {
		e.asm.Emit(x86.EmitMovRegToReg32(out, ra)...)
	} else {
		e.asm.Emit(x86.EmitMovsxd(out, ra)...)
	}
	if op.Code == ir.OpMulhs {
		e.asm.Emit(x86.EmitMovsxd(regScratch, rb)...)
	} else {
		e.asm.Emit(x86.EmitMovRegToReg32(regScratch, rb)...)
	}
	e.asm.Emit(x86.EmitImulRegReg(true, out, regScratch)...)
	if op.Code == ir.OpMulhu {
		e.asm.Emit(x86.EmitShiftImm(x86.X86_REG_SHR, true, out, 32)...)
		return
	}
	e.asm.Emit(x86.EmitShiftImm(x86.X86_REG_SAR, true, out, 32)...)
	e.zext32(out)
}

func (e *emitter) addCarry(op *ir.Op) {
	w := wide(op.Type)
	a, b := op.Ins[0], op.Ins[1]
	if e.u.IsConst(a) && !e.u.IsConst(b) {
		a, b = b, a
	}
	ra := e.ra.input(a)
	v, isImm := e.imm(b, op.Type)
	var rb x86.Reg
	if !isImm {
		rb = e.ra.input(b)
	}
	sum := e.ra.output(op.Outs[0])
	carry := e.ra.output(op.Outs[1])
	e.mov(sum, ra, w)
	if isImm {
		e.asm.Emit(x86.EmitAluRegImm(x86.X86_REG_ADD, w, sum, v)...)
	} else {
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_ADD_RM_R, w, sum, rb)...)
	}
	if e.native(capability.AddCarry, op.Type.Bits()) {
		e.asm.Emit(x86.EmitMovImmToReg64(carry, 0)...)
		e.asm.Emit(x86.EmitAluRegImm(x86.X86_REG_ADC, false, carry, 0)...)
		return
	}
	// The sum wrapped exactly when it is below either addend.
	if isImm {
		e.asm.Emit(x86.EmitAluRegImm(x86.X86_REG_CMP, w, sum, v)...)
	} else {
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_CMP_RM_R, w, sum, rb)...)
	}
	e.asm.Emit(x86.EmitMovImmToReg64(carry, 0)...)
	e.asm.Emit(x86.EmitSetcc(x86.CondB, carry)...)
}

func (e *emitter) byteSwap(op *ir.Op) error {
	if op.Type != ir.I32 {
		if !e.native(capability.ByteSwap, 64) {
			return e.fallback(op)
		}
		ra := e.ra.input(op.Ins[0])
		out := e.ra.output(op.Outs[0])
		e.mov(out, ra, true)
		e.asm.Emit(x86.EmitBswap(true, out)...)
		return nil
	}
	switch {
	case e.native(capability.ByteSwap, 32):
		ra := e.ra.input(op.Ins[0])
		out := e.ra.output(op.Outs[0])
		e.mov(out, ra, false)
		e.asm.Emit(x86.EmitBswap(false, out)...)
	case e.native(capability.ByteSwap, 64):
		ra := e.ra.input(op.Ins[0])
		out := e.ra.output(op.Outs[0])
		e.mov(out, ra, false)
		e.asm.Emit(x86.EmitBswap(true, out)...)
		e.asm.Emit(x86.EmitShiftImm(x86.X86_REG_SHR, true, out, 32)...)
	default:
		return unsupported(op, 32)
	}
	return nil
}

func (e *emitter) extend(op *ir.Op) {
	ra := e.ra.input(op.Ins[0])
	out := e.ra.output(op.Outs[0])
	narrow := op.Type == ir.I32
	switch op.Code {
	case ir.OpExt8s:
		e.asm.Emit(x86.EmitMovsx8(out, ra)...)
		if narrow {
			e.zext32(out)
		}
	case ir.OpExt8u:
		e.asm.Emit(x86.EmitMovzx8(out, ra)...)
	case ir.OpExt16s:
		e.asm.Emit(x86.EmitMovsx16(out, ra)...)
		if narrow {
			e.zext32(out)
		}
	case ir.OpExt16u:
		e.asm.Emit(x86.EmitMovzx16(out, ra)...)
	case ir.OpExt32s:
		e.asm.Emit(x86.EmitMovsxd(out, ra)...)
	default:
		e.asm.Emit(x86.EmitMovRegToReg32(out, ra)...)
	}
}

func (e *emitter) moveCond(op *ir.Op) {
	w := wide(op.Type)
	r1 := e.ra.input(op.Ins[2])
	r2 := e.ra.input(op.Ins[3])
	cc, static := e.compare(op.Cond, e.u.TypeOf(op.Ins[0]), op.Ins[0], op.Ins[1])
	out := e.ra.output(op.Outs[0])
	switch static {
	case 1:
		e.mov(out, r1, w)
		return
	case -1:
		e.mov(out, r2, w)
		return
	}
	e.mov(out, r2, w)
	if e.native(capability.ConditionalMove, op.Type.Bits()) {
		e.asm.Emit(x86.EmitCmovcc(cc, w, out, r1)...)
		return
	}
	skip := e.asm.NewLabel()
	e.asm.JccLabel(cc.Invert(), skip)
	e.mov(out, r1, w)
	e.asm.Bind(skip)
}

// guestMem addresses guest memory relative to r15.
func (e *emitter) guestMem(addr ir.Temp) x86.Mem {
	if e.u.IsConst(addr) {
		if v := e.u.ConstValue(addr); v <= math.MaxInt32 {
			return x86.BaseDisp(regGuest, int32(v))
		}
		e.ra.valueInto(regScratch, addr)
		return x86.Mem{Base: regGuest, Index: regScratch, Scale: 1}
	}
	return x86.Mem{Base: regGuest, Index: e.ra.input(addr), Scale: 1}
}

// Guest accesses may fault; globals are written back first so the env is
// exact at every instruction that can leave the block.
func (e *emitter) load(op *ir.Op) {
	e.ra.syncGlobals()
	m := e.guestMem(op.Ins[0])
	out := e.ra.output(op.Outs[0])
	signed := op.Signed && !(op.Type == ir.I32 && op.Size == 4)
	e.asm.Emit(x86.EmitLoad(op.Size, signed, out, m)...)
	if signed && op.Type == ir.I32 {
		e.zext32(out)
	}
}

func storeImm(u *ir.Unit, t ir.Temp, size int) (int32, bool) {
	if !u.IsConst(t) {
		return 0, false
	}
	v := u.ConstValue(t)
	switch size {
	case 4:
		return int32(uint32(v)), true
	case 8:
		if int64(v) == int64(int32(v)) {
			return int32(v), true
		}
	}
	return 0, false
}

func (e *emitter) store(op *ir.Op) {
	e.ra.syncGlobals()
	m := e.guestMem(op.Ins[1])
	if v, ok := storeImm(e.u, op.Ins[0], op.Size); ok {
		e.asm.Emit(x86.EmitStoreImm32(op.Size, m, v)...)
		return
	}
	e.asm.Emit(x86.EmitStore(op.Size, e.ra.input(op.Ins[0]), m)...)
}

func overlaps(start int32, size int) func(int32, int) bool {
	return func(off int32, n int) bool { return off < start+int32(size) && start < off+int32(n) }
}

func (e *emitter) storeEnv(op *ir.Op) {
	e.ra.syncGlobals()
	size := envSize(op.Type)
	m := x86.BaseDisp(regEnv, int32(op.Aux))
	if v, ok := storeImm(e.u, op.Ins[0], size); ok {
		e.asm.Emit(x86.EmitStoreImm32(size, m, v)...)
	} else {
		e.asm.Emit(x86.EmitStore(size, e.ra.input(op.Ins[0]), m)...)
	}
	e.ra.dropGlobals(overlaps(int32(op.Aux), size))
}

// cmpxchg uses lock cmpxchg when the host has it. Without it a serial
// sequence is exact as long as no other vCPU runs; otherwise the block
// exits so the instruction can be replayed under exclusive execution.
func (e *emitter) cmpxchg(op *ir.Op) {
	size := op.Size
	e.ra.syncGlobals()
	switch {
	case e.native(capability.AtomicCmpXchg, size*8):
		e.ra.reserve(x86.RAX)
		e.ra.valueInto(x86.RAX, op.Ins[1])
		if size == 4 {
			e.zext32(x86.RAX)
		}
		m := e.guestMem(op.Ins[0])
		rn := e.ra.input(op.Ins[2])
		e.asm.Emit(x86.EmitLockCmpxchg(size == 8, m, rn)...)
		out := e.ra.output(op.Outs[0])
		e.mov(out, x86.RAX, true)
	case e.u.CFlags&ir.CFParallel != 0:
		e.asm.Emit(x86.EmitMovImmToReg64(regScratch, e.lastPC)...)
		e.asm.Emit(x86.EmitStore(8, regScratch, x86.BaseDisp(regEnv, machine.EnvPC))...)
		e.storeEnvImm(machine.EnvExceptionIndex, ir.ExcpAtomic)
		e.exit(0)
	default:
		m := e.guestMem(op.Ins[0])
		rc := e.ra.input(op.Ins[1])
		rn := e.ra.input(op.Ins[2])
		out := e.ra.output(op.Outs[0])
		skip := e.asm.NewLabel()
		e.asm.Emit(x86.EmitLoad(size, false, out, m)...)
		e.asm.Emit(x86.EmitAluRegReg(x86.X86_OP_CMP_RM_R, size == 8, out, rc)...)
		e.asm.JccLabel(x86.CondNE, skip)
		e.asm.Emit(x86.EmitStore(size, rn, m)...)
		e.asm.Bind(skip)
	}
}

// vectorAdd uses SSE2 in 16-byte halves, a GPR loop for 64-bit lanes, and
// the gvec helpers otherwise.
func (e *emitter) vectorAdd(op *ir.Op) error {
	d, a, b := int32(op.Aux), int32(op.Aux2), int32(op.Aux3)
	e.ra.syncGlobals()
	switch {
	case e.native(capability.Vector, op.Size*8) || e.native(capability.Vector, 128):
		for off := int32(0); off < int32(op.Size); off += 16 {
			e.asm.Emit(x86.EmitMovdquLoad(x86.XMM0, x86.BaseDisp(regEnv, a+off))...)
			e.asm.Emit(x86.EmitMovdquLoad(x86.XMM1, x86.BaseDisp(regEnv, b+off))...)
			e.asm.Emit(x86.EmitPadd(op.Lane, x86.XMM0, x86.XMM1)...)
			e.asm.Emit(x86.EmitMovdquStore(x86.BaseDisp(regEnv, d+off), x86.XMM0)...)
		}
	case op.Lane == 64:
		e.ra.reserve(x86.RAX)
		for off := int32(0); off < int32(op.Size); off += 8 {
			e.asm.Emit(x86.EmitLoad(8, false, regScratch, x86.BaseDisp(regEnv, a+off))...)
			e.asm.Emit(x86.EmitLoad(8, false, x86.RAX, x86.BaseDisp(regEnv, b+off))...)
			e.asm.Emit(x86.EmitAddReg64(regScratch, x86.RAX)...)
			e.asm.Emit(x86.EmitStore(8, regScratch, x86.BaseDisp(regEnv, d+off))...)
		}
	default:
		name := "gvec_add" + strconv.Itoa(op.Lane)
		if err := e.callImm(name, uint64(d), uint64(a), uint64(b), uint64(op.Size)); err != nil {
			return err
		}
	}
	e.ra.dropGlobals(overlaps(d, op.Size))
	return nil
}

// fallback lowers op as a call to its core helper.
func (e *emitter) fallback(op *ir.Op) error {
	return e.callTemps(helper.Fallback(op.Code.String(), op.Type.Bits()), op.Outs[0], op.Ins)
}
