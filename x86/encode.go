package x86

import "encoding/binary"

// Mem is a [Base + Index*Scale + Disp] operand. Scale 0 means no index.
type Mem struct {
	Base  Reg
	Index Reg
	Scale byte
	Disp  int32
}

func BaseDisp(base Reg, disp int32) Mem { return Mem{Base: base, Disp: disp} }

func BaseIndex(base, index Reg, disp int32) Mem {
	return Mem{Base: base, Index: index, Scale: 1, Disp: disp}
}

func rex(w bool, r, x, b byte) byte {
	v := byte(X86_REX_BASE)
	if w {
		v |= X86_REX_W
	}
	return v | r<<2 | x<<1 | b
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

func scaleBits(s byte) byte {
	switch s {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}

// memBytes encodes ModRM, optional SIB and displacement.
func memBytes(reg byte, m Mem) []byte {
	var mod byte
	switch {
	case m.Disp == 0 && m.Base.RegBits != 5:
		mod = X86_MOD_INDIRECT
	case m.Disp >= -128 && m.Disp <= 127:
		mod = X86_MOD_INDIRECT_DISP8
	default:
		mod = X86_MOD_INDIRECT_DISP32
	}
	out := make([]byte, 0, 7)
	switch {
	case m.Scale != 0:
		out = append(out, modrm(mod, reg, X86_SIB_INDICATOR),
			scaleBits(m.Scale)<<6|m.Index.RegBits<<3|m.Base.RegBits)
	case m.Base.RegBits == 4:
		out = append(out, modrm(mod, reg, X86_SIB_INDICATOR), X86_SIB_NO_INDEX<<3|4)
	default:
		out = append(out, modrm(mod, reg, m.Base.RegBits))
	}
	switch mod {
	case X86_MOD_INDIRECT_DISP8:
		out = append(out, byte(int8(m.Disp)))
	case X86_MOD_INDIRECT_DISP32:
		out = binary.LittleEndian.AppendUint32(out, uint32(m.Disp))
	}
	return out
}

func memIndexRex(m Mem) byte {
	if m.Scale == 0 {
		return 0
	}
	return m.Index.REXBit
}

// encRR encodes "opcode /r" with reg in ModRM.reg and rm in ModRM.rm.
// byteRegs forces a REX prefix so that 4..7 name spl..dil.
func encRR(prefix []byte, w bool, opcode []byte, reg, rm Reg, byteRegs bool) []byte {
	out := append([]byte{}, prefix...)
	r := rex(w, reg.REXBit, 0, rm.REXBit)
	if r != X86_REX_BASE || (byteRegs && (reg.Index() >= 4 || rm.Index() >= 4)) {
		out = append(out, r)
	}
	out = append(out, opcode...)
	return append(out, modrm(X86_MOD_REGISTER, reg.RegBits, rm.RegBits))
}

// encExt encodes "opcode /ext" on a register operand.
func encExt(prefix []byte, w bool, opcode []byte, ext byte, rm Reg, byteReg bool) []byte {
	out := append([]byte{}, prefix...)
	r := rex(w, 0, 0, rm.REXBit)
	if r != X86_REX_BASE || (byteReg && rm.Index() >= 4) {
		out = append(out, r)
	}
	out = append(out, opcode...)
	return append(out, modrm(X86_MOD_REGISTER, ext, rm.RegBits))
}

func encMem(prefix []byte, w bool, opcode []byte, reg Reg, m Mem, byteReg bool) []byte {
	out := append([]byte{}, prefix...)
	r := rex(w, reg.REXBit, memIndexRex(m), m.Base.REXBit)
	if r != X86_REX_BASE || (byteReg && reg.Index() >= 4) {
		out = append(out, r)
	}
	out = append(out, opcode...)
	return append(out, memBytes(reg.RegBits, m)...)
}

func encMemExt(prefix []byte, w bool, opcode []byte, ext byte, m Mem) []byte {
	out := append([]byte{}, prefix...)
	r := rex(w, 0, memIndexRex(m), m.Base.REXBit)
	if r != X86_REX_BASE {
		out = append(out, r)
	}
	out = append(out, opcode...)
	return append(out, memBytes(ext, m)...)
}

// ALU register forms. op is one of the X86_OP_*_RM_R opcodes.
func EmitAluRegReg(op byte, w bool, dst, src Reg) []byte {
	return encRR(nil, w, []byte{op}, src, dst, false)
}

func EmitMovRegToReg64(dst, src Reg) []byte { return EmitAluRegReg(X86_OP_MOV_RM_R, true, dst, src) }

// EmitMovRegToReg32 zero-extends into dst.
func EmitMovRegToReg32(dst, src Reg) []byte { return EmitAluRegReg(X86_OP_MOV_RM_R, false, dst, src) }

func EmitAddReg64(dst, src Reg) []byte { return EmitAluRegReg(X86_OP_ADD_RM_R, true, dst, src) }
func EmitSubReg64(dst, src Reg) []byte { return EmitAluRegReg(X86_OP_SUB_RM_R, true, dst, src) }
func EmitXorReg64(dst, src Reg) []byte { return EmitAluRegReg(X86_OP_XOR_RM_R, true, dst, src) }
func EmitCmpReg64(a, b Reg) []byte     { return EmitAluRegReg(X86_OP_CMP_RM_R, true, a, b) }
func EmitTestReg64(a, b Reg) []byte    { return EmitAluRegReg(X86_OP_TEST_RM_R, true, a, b) }

// EmitAluRegImm uses the imm8 form when the immediate fits.
func EmitAluRegImm(ext byte, w bool, dst Reg, imm int32) []byte {
	if imm >= -128 && imm <= 127 {
		return append(encExt(nil, w, []byte{X86_OP_GROUP1_RM_IMM8}, ext, dst, false), byte(int8(imm)))
	}
	return binary.LittleEndian.AppendUint32(encExt(nil, w, []byte{X86_OP_GROUP1_RM_IMM32}, ext, dst, false), uint32(imm))
}

// EmitCmpMemImm8 compares a 32-bit memory word with a sign-extended imm8.
func EmitCmpMemImm8(m Mem, imm int8) []byte {
	return append(encMemExt(nil, false, []byte{X86_OP_GROUP1_RM_IMM8}, X86_REG_CMP, m), byte(imm))
}

// EmitMovImmToReg64 picks the shortest encoding producing the full 64-bit value.
func EmitMovImmToReg64(dst Reg, imm uint64) []byte {
	switch {
	case imm <= 0xFFFFFFFF:
		out := []byte{}
		if dst.REXBit != 0 {
			out = append(out, rex(false, 0, 0, 1))
		}
		out = append(out, X86_OP_MOV_R_IMM+dst.RegBits)
		return binary.LittleEndian.AppendUint32(out, uint32(imm))
	case int64(imm) >= -1<<31 && int64(imm) < 1<<31:
		out := encExt(nil, true, []byte{X86_OP_MOV_RM_IMM}, 0, dst, false)
		return binary.LittleEndian.AppendUint32(out, uint32(imm))
	}
	return EmitMovAbs(dst, imm)
}

// EmitMovAbs always uses the 10-byte imm64 form.
func EmitMovAbs(dst Reg, imm uint64) []byte {
	out := []byte{rex(true, 0, 0, dst.REXBit), X86_OP_MOV_R_IMM + dst.RegBits}
	return binary.LittleEndian.AppendUint64(out, imm)
}

// EmitLoad reads size bytes at m into dst. Narrow loads are zero- or
// sign-extended to 64 bits.
func EmitLoad(size int, signed bool, dst Reg, m Mem) []byte {
	switch size {
	case 1:
		if signed {
			return encMem(nil, true, []byte{X86_PREFIX_0F, X86_OP2_MOVSX_R_RM8}, dst, m, false)
		}
		return encMem(nil, false, []byte{X86_PREFIX_0F, X86_OP2_MOVZX_R_RM8}, dst, m, false)
	case 2:
		if signed {
			return encMem(nil, true, []byte{X86_PREFIX_0F, X86_OP2_MOVSX_R_RM16}, dst, m, false)
		}
		return encMem(nil, false, []byte{X86_PREFIX_0F, X86_OP2_MOVZX_R_RM16}, dst, m, false)
	case 4:
		if signed {
			return encMem(nil, true, []byte{X86_OP_MOVSXD}, dst, m, false)
		}
		return encMem(nil, false, []byte{X86_OP_MOV_R_RM}, dst, m, false)
	}
	return encMem(nil, true, []byte{X86_OP_MOV_R_RM}, dst, m, false)
}

func EmitStore(size int, src Reg, m Mem) []byte {
	switch size {
	case 1:
		return encMem(nil, false, []byte{X86_OP_MOV_RM8_R8}, src, m, true)
	case 2:
		return encMem([]byte{X86_PREFIX_66}, false, []byte{X86_OP_MOV_RM_R}, src, m, false)
	case 4:
		return encMem(nil, false, []byte{X86_OP_MOV_RM_R}, src, m, false)
	}
	return encMem(nil, true, []byte{X86_OP_MOV_RM_R}, src, m, false)
}

// EmitStoreImm32 stores a sign-extended imm32 as a 4 or 8 byte value.
func EmitStoreImm32(size int, m Mem, imm int32) []byte {
	out := encMemExt(nil, size == 8, []byte{X86_OP_MOV_RM_IMM}, 0, m)
	return binary.LittleEndian.AppendUint32(out, uint32(imm))
}

func EmitLea(dst Reg, m Mem) []byte {
	return encMem(nil, true, []byte{X86_OP_LEA}, dst, m, false)
}

// EmitUnary covers NOT, NEG, MUL, IMUL, DIV and IDIV (group 3).
func EmitUnary(ext byte, w bool, r Reg) []byte {
	return encExt(nil, w, []byte{X86_OP_GROUP3_RM}, ext, r, false)
}

func EmitNotReg64(r Reg) []byte { return EmitUnary(X86_REG_NOT, true, r) }

func EmitImulRegReg(w bool, dst, src Reg) []byte {
	return encRR(nil, w, []byte{X86_PREFIX_0F, X86_OP2_IMUL_R_RM}, dst, src, false)
}

// EmitShiftCL shifts or rotates r by CL.
func EmitShiftCL(ext byte, w bool, r Reg) []byte {
	return encExt(nil, w, []byte{X86_OP_GROUP2_RM_CL}, ext, r, false)
}

func EmitShiftImm(ext byte, w bool, r Reg, imm uint8) []byte {
	return append(encExt(nil, w, []byte{X86_OP_GROUP2_RM_IMM8}, ext, r, false), imm)
}

// EmitBitCount encodes POPCNT, LZCNT or TZCNT (F3 prefixed).
func EmitBitCount(op2 byte, w bool, dst, src Reg) []byte {
	return encRR([]byte{X86_PREFIX_REP}, w, []byte{X86_PREFIX_0F, op2}, dst, src, false)
}

func EmitBswap(w bool, r Reg) []byte {
	out := []byte{}
	if rr := rex(w, 0, 0, r.REXBit); rr != X86_REX_BASE {
		out = append(out, rr)
	}
	return append(out, X86_PREFIX_0F, X86_OP2_BSWAP+r.RegBits)
}

// EmitMovzx8 zero-extends the low byte of src into dst.
func EmitMovzx8(dst, src Reg) []byte {
	return encRR(nil, false, []byte{X86_PREFIX_0F, X86_OP2_MOVZX_R_RM8}, dst, src, true)
}

func EmitMovzx16(dst, src Reg) []byte {
	return encRR(nil, false, []byte{X86_PREFIX_0F, X86_OP2_MOVZX_R_RM16}, dst, src, false)
}

func EmitMovsx8(dst, src Reg) []byte {
	return encRR(nil, true, []byte{X86_PREFIX_0F, X86_OP2_MOVSX_R_RM8}, dst, src, true)
}

func EmitMovsx16(dst, src Reg) []byte {
	return encRR(nil, true, []byte{X86_PREFIX_0F, X86_OP2_MOVSX_R_RM16}, dst, src, false)
}

func EmitMovsxd(dst, src Reg) []byte {
	return encRR(nil, true, []byte{X86_OP_MOVSXD}, dst, src, false)
}

func EmitSetcc(cc Cond, r Reg) []byte {
	return encExt(nil, false, []byte{X86_PREFIX_0F, X86_OP2_SETCC + byte(cc)}, 0, r, true)
}

func EmitCmovcc(cc Cond, w bool, dst, src Reg) []byte {
	return encRR(nil, w, []byte{X86_PREFIX_0F, X86_OP2_CMOVCC + byte(cc)}, dst, src, false)
}

// EmitLockCmpxchg compares rax with m and stores src on equality.
func EmitLockCmpxchg(w bool, m Mem, src Reg) []byte {
	return encMem([]byte{X86_PREFIX_LOCK}, w, []byte{X86_PREFIX_0F, X86_OP2_CMPXCHG}, src, m, false)
}

func EmitPushReg(r Reg) []byte {
	if r.REXBit != 0 {
		return []byte{rex(false, 0, 0, 1), X86_OP_PUSH_R + r.RegBits}
	}
	return []byte{X86_OP_PUSH_R + r.RegBits}
}

func EmitPopReg(r Reg) []byte {
	if r.REXBit != 0 {
		return []byte{rex(false, 0, 0, 1), X86_OP_POP_R + r.RegBits}
	}
	return []byte{X86_OP_POP_R + r.RegBits}
}

func EmitCallReg(r Reg) []byte {
	return encExt(nil, false, []byte{X86_OP_GROUP5_RM}, X86_REG_CALL_RM, r, false)
}

func EmitJmpReg(r Reg) []byte {
	return encExt(nil, false, []byte{X86_OP_GROUP5_RM}, X86_REG_JMP_RM, r, false)
}

func EmitRet() []byte     { return []byte{X86_OP_RET} }
func EmitSyscall() []byte { return []byte{X86_PREFIX_0F, X86_OP2_SYSCALL} }
func EmitTrap() []byte    { return []byte{X86_PREFIX_0F, X86_OP2_UD2} }
func EmitNop() []byte     { return []byte{X86_OP_NOP} }

// EmitCqo sign-extends rax into rdx (cdq for 32-bit).
func EmitCqo(w bool) []byte {
	if w {
		return []byte{rex(true, 0, 0, 0), X86_OP_CQO}
	}
	return []byte{X86_OP_CQO}
}

// EmitJmpRel32 and EmitJccRel32 take the displacement from the end of the instruction.
func EmitJmpRel32(rel int32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{X86_OP_JMP_REL32}, uint32(rel))
}

func EmitJccRel32(cc Cond, rel int32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{X86_PREFIX_0F, X86_OP2_JCC + byte(cc)}, uint32(rel))
}

// EmitMovdquLoad loads 16 unaligned bytes at m into an xmm register.
func EmitMovdquLoad(xmm Reg, m Mem) []byte {
	return encMem([]byte{X86_PREFIX_REP}, false, []byte{X86_PREFIX_0F, X86_OP2_MOVDQU_LOAD}, xmm, m, false)
}

func EmitMovdquStore(m Mem, xmm Reg) []byte {
	return encMem([]byte{X86_PREFIX_REP}, false, []byte{X86_PREFIX_0F, X86_OP2_MOVDQU_STORE}, xmm, m, false)
}

// EmitPadd adds packed lanes of lane bits: dst += src.
func EmitPadd(lane int, dst, src Reg) []byte {
	op := byte(X86_OP2_PADDQ)
	switch lane {
	case 8:
		op = X86_OP2_PADDB
	case 16:
		op = X86_OP2_PADDW
	case 32:
		op = X86_OP2_PADDD
	}
	return encRR([]byte{X86_PREFIX_66}, false, []byte{X86_PREFIX_0F, op}, dst, src, false)
}
