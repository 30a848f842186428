package x86

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func decodeOne(t *testing.T, code []byte) x86asm.Inst {
	t.Helper()
	inst, err := x86asm.Decode(code, 64)
	require.NoError(t, err)
	require.Equal(t, len(code), inst.Len, "trailing bytes in % x", code)
	return inst
}

func TestKnownEncodings(t *testing.T) {
	cases := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"mov rax, rbx", EmitMovRegToReg64(RAX, RBX), []byte{0x48, 0x89, 0xd8}},
		{"mov r8, r15", EmitMovRegToReg64(R8, R15), []byte{0x4d, 0x89, 0xf8}},
		{"add rcx, rdx", EmitAddReg64(RCX, RDX), []byte{0x48, 0x01, 0xd1}},
		{"cmp rax, 1", EmitAluRegImm(X86_REG_CMP, true, RAX, 1), []byte{0x48, 0x83, 0xf8, 0x01}},
		{"mov eax, 1", EmitMovImmToReg64(RAX, 1), []byte{0xb8, 0x01, 0, 0, 0}},
		{"mov rax, -1", EmitMovImmToReg64(RAX, ^uint64(0)), []byte{0x48, 0xc7, 0xc0, 0xff, 0xff, 0xff, 0xff}},
		{"push r12", EmitPushReg(R12), []byte{0x41, 0x54}},
		{"pop rbx", EmitPopReg(RBX), []byte{0x5b}},
		{"call rax", EmitCallReg(RAX), []byte{0xff, 0xd0}},
		{"syscall", EmitSyscall(), []byte{0x0f, 0x05}},
		{"cqo", EmitCqo(true), []byte{0x48, 0x99}},
		{"div rcx", EmitUnary(X86_REG_DIV, true, RCX), []byte{0x48, 0xf7, 0xf1}},
		{"mov rax, [r14+8]", EmitLoad(8, false, RAX, BaseDisp(R14, 8)), []byte{0x49, 0x8b, 0x46, 0x08}},
		{"mov [rsp], rax", EmitStore(8, RAX, BaseDisp(RSP, 0)), []byte{0x48, 0x89, 0x04, 0x24}},
		{"setb sil", EmitSetcc(CondB, RSI), []byte{0x40, 0x0f, 0x92, 0xc6}},
		{"popcnt rax, rcx", EmitBitCount(X86_OP2_POPCNT, true, RAX, RCX), []byte{0xf3, 0x48, 0x0f, 0xb8, 0xc1}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.got, tc.name)
	}
}

func TestMemoryOperandsDecode(t *testing.T) {
	for _, base := range Regs {
		for _, disp := range []int32{0, 8, -8, 0x1000} {
			code := EmitLoad(8, false, RDX, BaseDisp(base, disp))
			inst := decodeOne(t, code)
			require.Equal(t, x86asm.MOV, inst.Op)
			mem, ok := inst.Args[1].(x86asm.Mem)
			require.True(t, ok)
			require.Equal(t, x86asm.RAX+x86asm.Reg(base.Index()), mem.Base, "base %s", base)
			require.Equal(t, int64(disp), mem.Disp)
		}
	}
	code := EmitStore(1, RSI, BaseIndex(R15, R9, 3))
	inst := decodeOne(t, code)
	require.Equal(t, x86asm.MOV, inst.Op)
	mem := inst.Args[0].(x86asm.Mem)
	require.Equal(t, x86asm.R15, mem.Base)
	require.Equal(t, x86asm.R9, mem.Index)
	require.Equal(t, x86asm.SIB, inst.Args[1])
}

func TestEveryRegisterPairDecodes(t *testing.T) {
	for _, a := range Regs {
		for _, b := range Regs {
			for _, code := range [][]byte{
				EmitMovRegToReg64(a, b), EmitMovRegToReg32(a, b), EmitImulRegReg(true, a, b),
				EmitMovzx8(a, b), EmitMovsx16(a, b), EmitMovsxd(a, b), EmitCmovcc(CondL, true, a, b),
			} {
				decodeOne(t, code)
			}
		}
		decodeOne(t, EmitSetcc(CondE, a))
		decodeOne(t, EmitShiftCL(X86_REG_ROL, false, a))
		decodeOne(t, EmitShiftImm(X86_REG_SAR, true, a, 3))
		decodeOne(t, EmitBswap(true, a))
		decodeOne(t, EmitMovAbs(a, 0x1122334455667788))
	}
}

func TestAssemblerLabels(t *testing.T) {
	a := NewAssembler(64)
	back := a.NewLabel()
	fwd := a.NewLabel()
	a.Bind(back)
	a.Emit(EmitNop()...)
	a.JccLabel(CondE, fwd)
	a.JmpLabel(back)
	a.Bind(fwd)
	a.Emit(EmitRet()...)
	require.NoError(t, a.Resolve())

	ops, err := Ops(a.Bytes())
	require.NoError(t, err)
	require.Equal(t, []x86asm.Op{x86asm.NOP, x86asm.JE, x86asm.JMP, x86asm.RET}, ops)

	// JE skips the 5-byte JMP; JMP goes back 12 bytes to offset 0.
	require.Equal(t, []byte{0x05, 0, 0, 0}, a.Bytes()[3:7])
	require.Equal(t, []byte{0xf4, 0xff, 0xff, 0xff}, a.Bytes()[8:12])

	unbound := NewAssembler(8)
	unbound.JmpLabel(unbound.NewLabel())
	require.Error(t, unbound.Resolve())
}

func TestAlignRel32(t *testing.T) {
	a := NewAssembler(32)
	a.Emit(EmitNop()...)
	pad := a.AlignRel32(0x1000, 1)
	require.Equal(t, 2, pad)
	a.Emit(EmitJmpRel32(0)...)
	require.Zero(t, (a.Len()-4)%4)
	require.Contains(t, Disassemble(a.Bytes(), 0x1000), "JMP")
}

func TestVectorEncodings(t *testing.T) {
	inst := decodeOne(t, EmitMovdquLoad(XMM1, BaseDisp(R14, 0x40)))
	require.Equal(t, x86asm.MOVDQU, inst.Op)
	require.Equal(t, x86asm.X1, inst.Args[0])
	mem := inst.Args[1].(x86asm.Mem)
	require.Equal(t, x86asm.R14, mem.Base)
	require.Equal(t, int64(0x40), mem.Disp)

	inst = decodeOne(t, EmitMovdquStore(BaseDisp(R14, 0x80), XMM0))
	require.Equal(t, x86asm.MOVDQU, inst.Op)
	require.Equal(t, x86asm.X0, inst.Args[1])

	lanes := map[int]x86asm.Op{8: x86asm.PADDB, 16: x86asm.PADDW, 32: x86asm.PADDD, 64: x86asm.PADDQ}
	for lane, op := range lanes {
		inst = decodeOne(t, EmitPadd(lane, XMM0, XMM1))
		require.Equal(t, op, inst.Op, "lane %d", lane)
		require.Equal(t, x86asm.X0, inst.Args[0])
		require.Equal(t, x86asm.X1, inst.Args[1])
	}
}
