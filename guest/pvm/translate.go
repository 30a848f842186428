package pvm

import (
	"fmt"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/guest/pvm/program"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/tb"
)

type translator struct {
	f     *Frontend
	u     *ir.Unit
	regs  [NumRegs]ir.Temp
	gas   ir.Temp
	in    program.Instruction
	stubs []faultStub
}

// faultStub leaves the block for an access above guest memory. The address
// is recomputed in the stub from the base register.
type faultStub struct {
	label ir.Label
	pc    uint64
	base  int
	off   uint64
}

func (f *Frontend) fetch(guest *machine.GuestMemory, pc uint64) (program.Instruction, error) {
	in := program.Instruction{PC: pc, Opcode: program.TRAP}
	code := uint64(len(f.prog.Code))
	if pc >= code || !f.prog.IsInstruction(pc) {
		return in, nil
	}
	raw := make([]byte, 1+f.prog.Skip(pc))
	n := min(uint64(len(raw)), code-pc)
	if err := guest.Fetch(f.SourceAddr(pc), raw[:n]); err != nil {
		return in, fmt.Errorf("pvm: fetch %d: %v: %w", pc, err, dbterrors.ErrUndecodable)
	}
	in.Opcode, in.Args = raw[0], raw[1:]
	return in, nil
}

// endsBlock is true for basic block terminators and for instructions that
// leave generated code.
func endsBlock(op byte) bool {
	return program.IsBasicBlockTerminator(op) || op == program.ECALLI
}

// Translate decodes one block at key.PC. The whole block's gas is charged
// on entry, one unit per instruction.
func (f *Frontend) Translate(key tb.Key, guest *machine.GuestMemory) (*ir.Unit, error) {
	count := int(key.CFlags & ir.CFCountMask)
	if count == 0 {
		count = f.opts.MaxInsns
	}
	var insns []program.Instruction
	for pc := key.PC; len(insns) < count; {
		in, err := f.fetch(guest, pc)
		if err != nil {
			return nil, err
		}
		insns = append(insns, in)
		if endsBlock(in.Opcode) {
			break
		}
		pc = in.Next()
	}
	f.decoded.Add(uint64(len(insns)))
	f.blocks.Add(1)

	tr := &translator{f: f, u: ir.NewUnit(key.PC, key.Flags, key.CFlags)}
	u := tr.u
	for i := range tr.regs {
		tr.regs[i] = u.Global(ir.I64, fmt.Sprintf("r%d", i), RegOff(i))
	}
	tr.gas = u.Global(ir.I64, "gas", GasOff)
	oog := u.NewLabel()
	u.Binary(ir.OpSub, tr.gas, tr.gas, tr.c(uint64(len(insns))))
	u.Brcond(ir.CondLT, tr.gas, tr.c(0), oog)

	end := false
	for _, in := range insns {
		u.InsnStart(in.PC)
		tr.in = in
		if end = tr.insn(); end {
			break
		}
	}
	last := insns[len(insns)-1]
	if !end {
		tr.gotoTB(0, last.Next())
	}

	u.SetLabel(oog)
	tr.exception(ExcpOutOfGas, key.PC)
	for _, s := range tr.stubs {
		u.SetLabel(s.label)
		a := tr.address(s.base, s.off)
		u.StoreEnv(a, FaultAddrOff)
		tr.exception(ExcpFault, s.pc)
	}
	u.GuestSize = last.Next() - key.PC
	log.Trace(log.PVM, "translated", "pc", key.PC, "insns", len(insns), "ops", len(u.Ops))
	return u, nil
}

func (tr *translator) c(v uint64) ir.Temp { return tr.u.Const(ir.I64, v) }
func (tr *translator) r(i int) ir.Temp    { return tr.regs[i] }

// val materializes v into a fresh temp of type t.
func (tr *translator) val(t ir.Type, v uint64) ir.Temp {
	x := tr.u.NewTemp(t)
	tr.u.Movi(x, v)
	return x
}

func (tr *translator) setPC(pc uint64) { tr.u.StoreEnv(tr.c(pc), machine.EnvPC) }

func (tr *translator) exception(excp int, pc uint64) {
	tr.setPC(pc)
	tr.u.ExitException(excp)
}

func (tr *translator) gotoTB(slot int, pc uint64) {
	tr.setPC(pc)
	tr.u.GotoTB(slot)
	tr.u.ExitTB(slot)
}

func (tr *translator) panic() bool {
	tr.exception(ExcpPanic, tr.in.PC)
	return true
}

func (tr *translator) target(off int64) (uint64, bool) {
	t := int64(tr.in.PC) + off
	if t < 0 || !tr.f.prog.IsBlockStart(uint64(t)) {
		return 0, false
	}
	return uint64(t), true
}

func (tr *translator) jump(off int64) bool {
	target, ok := tr.target(off)
	if !ok {
		return tr.panic()
	}
	tr.gotoTB(0, target)
	return true
}

// branch falls through in slot 0 and takes the branch in slot 1.
func (tr *translator) branch(cond ir.Cond, a, b ir.Temp, off int64) bool {
	u := tr.u
	taken := u.NewLabel()
	u.Brcond(cond, a, b, taken)
	tr.gotoTB(0, tr.in.Next())
	u.SetLabel(taken)
	if target, ok := tr.target(off); ok {
		tr.gotoTB(1, target)
	} else {
		tr.panic()
	}
	return true
}

// djump jumps through the jump table. Resolved targets are looked up
// without leaving generated code.
func (tr *translator) djump(addr ir.Temp) bool {
	u := tr.u
	t := u.NewTemp(ir.I64)
	u.Call("pvm_djump", t, addr)
	halt, bad := u.NewLabel(), u.NewLabel()
	u.Brcond(ir.CondEQ, t, tr.c(djumpHalt), halt)
	u.Brcond(ir.CondEQ, t, tr.c(djumpPanic), bad)
	u.StoreEnv(t, machine.EnvPC)
	p := u.NewTemp(ir.Ptr)
	u.Call("lookup_tb_ptr", p)
	u.GotoPtr(p)
	u.SetLabel(halt)
	tr.exception(ExcpHalt, tr.in.PC)
	u.SetLabel(bad)
	return tr.panic()
}

// address computes (base + off) mod 2^32; base -1 means off alone.
func (tr *translator) address(base int, off uint64) ir.Temp {
	if base < 0 {
		return tr.c(uint64(uint32(off)))
	}
	a := tr.u.NewTemp(ir.I64)
	tr.u.Binary(ir.OpAdd, a, tr.r(base), tr.c(off))
	tr.u.Binary(ir.OpAnd, a, a, tr.c(0xffffffff))
	return a
}

// access returns the checked address of a size-byte access. Pages below
// the limit fault in the machine; addresses above guest memory are
// checked here.
func (tr *translator) access(base int, off uint64, size int) (ir.Temp, bool) {
	limit := tr.f.layout.Limit
	a := tr.address(base, off)
	if limit >= 1<<32+uint64(size) {
		return a, true
	}
	if base < 0 {
		if uint64(uint32(off))+uint64(size) > limit {
			tr.u.StoreEnv(a, FaultAddrOff)
			tr.exception(ExcpFault, tr.in.PC)
			return ir.NoTemp, false
		}
		return a, true
	}
	l := tr.u.NewLabel()
	tr.u.Brcond(ir.CondGTU, a, tr.c(limit-uint64(size)), l)
	tr.stubs = append(tr.stubs, faultStub{label: l, pc: tr.in.PC, base: base, off: off})
	return a, true
}

// load returns true when the access ended the block.
func (tr *translator) load(size int, signed bool, dst int, base int, off uint64) bool {
	a, ok := tr.access(base, off, size)
	if !ok {
		return true
	}
	tr.u.Load(size, signed, tr.r(dst), a)
	return false
}

func (tr *translator) store(size int, v ir.Temp, base int, off uint64) bool {
	a, ok := tr.access(base, off, size)
	if !ok {
		return true
	}
	tr.u.Store(size, v, a)
	return false
}

func (tr *translator) trunc(x ir.Temp) ir.Temp {
	t := tr.u.NewTemp(ir.I32)
	tr.u.Unary(ir.OpTrunc, t, x)
	return t
}

// op32 computes a 32-bit result and sign-extends it into dst.
func (tr *translator) op32(code ir.Opcode, dst int, a, b ir.Temp) {
	r := tr.u.NewTemp(ir.I32)
	tr.u.Binary(code, r, a, b)
	tr.u.Unary(ir.OpExt32s, tr.r(dst), r)
}

// unary32 computes a 32-bit count and zero-extends it into dst.
func (tr *translator) unary32(code ir.Opcode, dst, src int) {
	r := tr.u.NewTemp(ir.I32)
	tr.u.Unary(code, r, tr.trunc(tr.r(src)))
	tr.u.Unary(ir.OpExt32u, tr.r(dst), r)
}

var sizes = map[byte]struct {
	size   int
	signed bool
}{
	program.LOAD_U8: {1, false}, program.LOAD_I8: {1, true}, program.LOAD_U16: {2, false},
	program.LOAD_I16: {2, true}, program.LOAD_U32: {4, false}, program.LOAD_I32: {4, true},
	program.LOAD_U64: {8, false},
	program.LOAD_IND_U8: {1, false}, program.LOAD_IND_I8: {1, true}, program.LOAD_IND_U16: {2, false},
	program.LOAD_IND_I16: {2, true}, program.LOAD_IND_U32: {4, false}, program.LOAD_IND_I32: {4, true},
	program.LOAD_IND_U64: {8, false},
	program.STORE_U8: {1, false}, program.STORE_U16: {2, false}, program.STORE_U32: {4, false},
	program.STORE_U64: {8, false},
	program.STORE_IND_U8: {1, false}, program.STORE_IND_U16: {2, false}, program.STORE_IND_U32: {4, false},
	program.STORE_IND_U64: {8, false},
	program.STORE_IMM_U8: {1, false}, program.STORE_IMM_U16: {2, false}, program.STORE_IMM_U32: {4, false},
	program.STORE_IMM_U64: {8, false},
	program.STORE_IMM_IND_U8: {1, false}, program.STORE_IMM_IND_U16: {2, false},
	program.STORE_IMM_IND_U32: {4, false}, program.STORE_IMM_IND_U64: {8, false},
}

var branchConds = map[byte]ir.Cond{
	program.BRANCH_EQ_IMM: ir.CondEQ, program.BRANCH_NE_IMM: ir.CondNE,
	program.BRANCH_LT_U_IMM: ir.CondLTU, program.BRANCH_LE_U_IMM: ir.CondLEU,
	program.BRANCH_GE_U_IMM: ir.CondGEU, program.BRANCH_GT_U_IMM: ir.CondGTU,
	program.BRANCH_LT_S_IMM: ir.CondLT, program.BRANCH_LE_S_IMM: ir.CondLE,
	program.BRANCH_GE_S_IMM: ir.CondGE, program.BRANCH_GT_S_IMM: ir.CondGT,
	program.BRANCH_EQ: ir.CondEQ, program.BRANCH_NE: ir.CondNE,
	program.BRANCH_LT_U: ir.CondLTU, program.BRANCH_LT_S: ir.CondLT,
	program.BRANCH_GE_U: ir.CondGEU, program.BRANCH_GE_S: ir.CondGE,
}

// insn emits the current instruction and reports whether it ended the block.
func (tr *translator) insn() bool {
	in := tr.in
	switch program.FormatOf(in.Opcode) {
	case program.FormatNone:
		if in.Opcode == program.FALLTHROUGH {
			tr.gotoTB(0, in.Next())
			return true
		}
		return tr.panic()
	case program.FormatOneImm:
		index := program.ExtractOneImm(in.Args)
		tr.u.StoreEnv(tr.c(uint64(uint32(index))), HostCallOff)
		tr.exception(ir.ExcpSyscall, in.Next())
		return true
	case program.FormatOneRegExtImm:
		r, v := program.ExtractOneRegExtImm(in.Args)
		tr.u.Movi(tr.r(r), v)
		return false
	case program.FormatTwoImm:
		x, y := program.ExtractTwoImm(in.Args)
		return tr.store(sizes[in.Opcode].size, tr.val(ir.I64, y), -1, x)
	case program.FormatOneOffset:
		return tr.jump(program.ExtractOneOffset(in.Args))
	case program.FormatOneRegOneImm:
		return tr.oneRegOneImm()
	case program.FormatOneRegTwoImm:
		r, x, y := program.ExtractOneReg2Imm(in.Args)
		return tr.store(sizes[in.Opcode].size, tr.val(ir.I64, y), r, x)
	case program.FormatOneRegImmOffset:
		r, v, off := program.ExtractOneRegOneImmOneOffset(in.Args)
		if in.Opcode == program.LOAD_IMM_JUMP {
			tr.u.Movi(tr.r(r), v)
			return tr.jump(off)
		}
		return tr.branch(branchConds[in.Opcode], tr.r(r), tr.c(v), off)
	case program.FormatTwoRegs:
		tr.twoRegs()
		return false
	case program.FormatTwoRegsOneImm:
		return tr.twoRegsOneImm()
	case program.FormatTwoRegsOneOffset:
		ra, rb, off := program.ExtractTwoRegsOneOffset(in.Args)
		return tr.branch(branchConds[in.Opcode], tr.r(ra), tr.r(rb), off)
	case program.FormatTwoRegsTwoImm:
		ra, rb, x, y := program.ExtractTwoRegsAndTwoImmediates(in.Args)
		a := tr.u.NewTemp(ir.I64)
		tr.u.Binary(ir.OpAdd, a, tr.r(rb), tr.c(y))
		tr.u.Movi(tr.r(ra), x)
		return tr.djump(a)
	case program.FormatThreeRegs:
		tr.threeRegs()
		return false
	}
	return tr.panic()
}

func (tr *translator) oneRegOneImm() bool {
	in, u := tr.in, tr.u
	r, v := program.ExtractOneRegOneImm(in.Args)
	switch in.Opcode {
	case program.JUMP_IND:
		a := u.NewTemp(ir.I64)
		u.Binary(ir.OpAdd, a, tr.r(r), tr.c(v))
		return tr.djump(a)
	case program.LOAD_IMM:
		u.Movi(tr.r(r), v)
		return false
	case program.STORE_U8, program.STORE_U16, program.STORE_U32, program.STORE_U64:
		return tr.store(sizes[in.Opcode].size, tr.r(r), -1, v)
	}
	sz := sizes[in.Opcode]
	return tr.load(sz.size, sz.signed, r, -1, v)
}

func (tr *translator) twoRegs() {
	in, u := tr.in, tr.u
	d, a := program.ExtractTwoRegisters(in.Args)
	rd, ra := tr.r(d), tr.r(a)
	switch in.Opcode {
	case program.MOVE_REG:
		u.Mov(rd, ra)
	case program.SBRK:
		u.Call("pvm_sbrk", rd, ra)
	case program.COUNT_SET_BITS_64:
		u.Unary(ir.OpCtpop, rd, ra)
	case program.COUNT_SET_BITS_32:
		tr.unary32(ir.OpCtpop, d, a)
	case program.LEADING_ZERO_BITS_64:
		u.Unary(ir.OpClz, rd, ra)
	case program.LEADING_ZERO_BITS_32:
		tr.unary32(ir.OpClz, d, a)
	case program.TRAILING_ZERO_BITS_64:
		u.Unary(ir.OpCtz, rd, ra)
	case program.TRAILING_ZERO_BITS_32:
		tr.unary32(ir.OpCtz, d, a)
	case program.SIGN_EXTEND_8:
		u.Unary(ir.OpExt8s, rd, ra)
	case program.SIGN_EXTEND_16:
		u.Unary(ir.OpExt16s, rd, ra)
	case program.ZERO_EXTEND_16:
		u.Unary(ir.OpExt16u, rd, ra)
	case program.REVERSE_BYTES:
		u.Unary(ir.OpBswap, rd, ra)
	}
}

var imm64Ops = map[byte]ir.Opcode{
	program.AND_IMM: ir.OpAnd, program.XOR_IMM: ir.OpXor, program.OR_IMM: ir.OpOr,
	program.ADD_IMM_64: ir.OpAdd, program.MUL_IMM_64: ir.OpMul,
	program.SHLO_L_IMM_64: ir.OpShl, program.SHLO_R_IMM_64: ir.OpShr, program.SHAR_R_IMM_64: ir.OpSar,
	program.ROT_R_64_IMM: ir.OpRotr,
}

var imm32Ops = map[byte]ir.Opcode{
	program.ADD_IMM_32: ir.OpAdd, program.MUL_IMM_32: ir.OpMul,
	program.SHLO_L_IMM_32: ir.OpShl, program.SHLO_R_IMM_32: ir.OpShr, program.SHAR_R_IMM_32: ir.OpSar,
	program.ROT_R_32_IMM: ir.OpRotr,
}

// Immediate on the left: rA = imm op rB.
var altImm64Ops = map[byte]ir.Opcode{
	program.NEG_ADD_IMM_64: ir.OpSub, program.SHLO_L_IMM_ALT_64: ir.OpShl,
	program.SHLO_R_IMM_ALT_64: ir.OpShr, program.SHAR_R_IMM_ALT_64: ir.OpSar,
	program.ROT_R_64_IMM_ALT: ir.OpRotr,
}

var altImm32Ops = map[byte]ir.Opcode{
	program.NEG_ADD_IMM_32: ir.OpSub, program.SHLO_L_IMM_ALT_32: ir.OpShl,
	program.SHLO_R_IMM_ALT_32: ir.OpShr, program.SHAR_R_IMM_ALT_32: ir.OpSar,
	program.ROT_R_32_IMM_ALT: ir.OpRotr,
}

func (tr *translator) twoRegsOneImm() bool {
	in, u := tr.in, tr.u
	a, b, v := program.ExtractTwoRegsOneImm(in.Args)
	ra, rb := tr.r(a), tr.r(b)
	if code, ok := imm64Ops[in.Opcode]; ok {
		u.Binary(code, ra, rb, tr.c(v))
		return false
	}
	if code, ok := imm32Ops[in.Opcode]; ok {
		tr.op32(code, a, tr.trunc(rb), u.Const(ir.I32, v))
		return false
	}
	if code, ok := altImm64Ops[in.Opcode]; ok {
		u.Binary(code, ra, tr.val(ir.I64, v), rb)
		return false
	}
	if code, ok := altImm32Ops[in.Opcode]; ok {
		tr.op32(code, a, tr.val(ir.I32, v), tr.trunc(rb))
		return false
	}
	switch in.Opcode {
	case program.STORE_IND_U8, program.STORE_IND_U16, program.STORE_IND_U32, program.STORE_IND_U64:
		return tr.store(sizes[in.Opcode].size, ra, b, v)
	case program.LOAD_IND_U8, program.LOAD_IND_I8, program.LOAD_IND_U16, program.LOAD_IND_I16,
		program.LOAD_IND_U32, program.LOAD_IND_I32, program.LOAD_IND_U64:
		sz := sizes[in.Opcode]
		return tr.load(sz.size, sz.signed, a, b, v)
	case program.SET_LT_U_IMM:
		u.Setcond(ir.CondLTU, ra, rb, tr.c(v))
	case program.SET_LT_S_IMM:
		u.Setcond(ir.CondLT, ra, rb, tr.c(v))
	case program.SET_GT_U_IMM:
		u.Setcond(ir.CondGTU, ra, rb, tr.c(v))
	case program.SET_GT_S_IMM:
		u.Setcond(ir.CondGT, ra, rb, tr.c(v))
	case program.CMOV_IZ_IMM:
		u.Movcond(ir.CondEQ, ra, rb, tr.c(0), tr.val(ir.I64, v), ra)
	case program.CMOV_NZ_IMM:
		u.Movcond(ir.CondNE, ra, rb, tr.c(0), tr.val(ir.I64, v), ra)
	}
	return false
}

var three64Ops = map[byte]ir.Opcode{
	program.ADD_64: ir.OpAdd, program.SUB_64: ir.OpSub, program.MUL_64: ir.OpMul,
	program.DIV_U_64: ir.OpDivu, program.DIV_S_64: ir.OpDivs,
	program.REM_U_64: ir.OpRemu, program.REM_S_64: ir.OpRems,
	program.SHLO_L_64: ir.OpShl, program.SHLO_R_64: ir.OpShr, program.SHAR_R_64: ir.OpSar,
	program.AND: ir.OpAnd, program.XOR: ir.OpXor, program.OR: ir.OpOr,
	program.MUL_UPPER_S_S: ir.OpMulhs, program.MUL_UPPER_U_U: ir.OpMulhu, program.MUL_UPPER_S_U: ir.OpMulhsu,
	program.ROT_L_64: ir.OpRotl, program.ROT_R_64: ir.OpRotr,
	program.AND_INV: ir.OpAndc, program.OR_INV: ir.OpOrc, program.XNOR: ir.OpEqv,
}

var three32Ops = map[byte]ir.Opcode{
	program.ADD_32: ir.OpAdd, program.SUB_32: ir.OpSub, program.MUL_32: ir.OpMul,
	program.DIV_U_32: ir.OpDivu, program.DIV_S_32: ir.OpDivs,
	program.REM_U_32: ir.OpRemu, program.REM_S_32: ir.OpRems,
	program.SHLO_L_32: ir.OpShl, program.SHLO_R_32: ir.OpShr, program.SHAR_R_32: ir.OpSar,
	program.ROT_L_32: ir.OpRotl, program.ROT_R_32: ir.OpRotr,
}

var setConds = map[byte]ir.Cond{
	program.SET_LT_U: ir.CondLTU, program.SET_LT_S: ir.CondLT,
}

var selectConds = map[byte]ir.Cond{
	program.MAX: ir.CondGT, program.MAX_U: ir.CondGTU, program.MIN: ir.CondLT, program.MIN_U: ir.CondLTU,
}

func (tr *translator) threeRegs() {
	in, u := tr.in, tr.u
	a, b, d := program.ExtractThreeRegs(in.Args)
	ra, rb, rd := tr.r(a), tr.r(b), tr.r(d)
	if code, ok := three64Ops[in.Opcode]; ok {
		u.Binary(code, rd, ra, rb)
		return
	}
	if code, ok := three32Ops[in.Opcode]; ok {
		tr.op32(code, d, tr.trunc(ra), tr.trunc(rb))
		return
	}
	if cond, ok := setConds[in.Opcode]; ok {
		u.Setcond(cond, rd, ra, rb)
		return
	}
	if cond, ok := selectConds[in.Opcode]; ok {
		u.Movcond(cond, rd, ra, rb, ra, rb)
		return
	}
	switch in.Opcode {
	case program.CMOV_IZ:
		u.Movcond(ir.CondEQ, rd, rb, tr.c(0), ra, rd)
	case program.CMOV_NZ:
		u.Movcond(ir.CondNE, rd, rb, tr.c(0), ra, rd)
	}
}
