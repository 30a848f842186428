// Package x86 encodes the x86-64 instructions used by the host backend.
package x86

// Reg represents an x86-64 register with encoding information
type Reg struct {
	Name    string
	RegBits byte // 3-bit code for ModRM/SIB
	REXBit  byte // 1 if register index >= 8
}

// Index is the hardware register number, 0..15.
func (r Reg) Index() int { return int(r.REXBit<<3 | r.RegBits) }

func (r Reg) String() string { return r.Name }

var (
	RAX = Reg{"rax", 0, 0}
	RCX = Reg{"rcx", 1, 0}
	RDX = Reg{"rdx", 2, 0}
	RBX = Reg{"rbx", 3, 0}
	RSP = Reg{"rsp", 4, 0}
	RBP = Reg{"rbp", 5, 0}
	RSI = Reg{"rsi", 6, 0}
	RDI = Reg{"rdi", 7, 0}
	R8  = Reg{"r8", 0, 1}
	R9  = Reg{"r9", 1, 1}
	R10 = Reg{"r10", 2, 1}
	R11 = Reg{"r11", 3, 1}
	R12 = Reg{"r12", 4, 1}
	R13 = Reg{"r13", 5, 1}
	R14 = Reg{"r14", 6, 1}
	R15 = Reg{"r15", 7, 1}
)

// SSE registers share the encoding fields.
var (
	XMM0 = Reg{"xmm0", 0, 0}
	XMM1 = Reg{"xmm1", 1, 0}
)

// Regs is indexed by hardware register number.
var Regs = [16]Reg{RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15}

// System V AMD64 calling convention.
var (
	ArgRegs     = []Reg{RDI, RSI, RDX, RCX, R8, R9}
	CallerSaved = []Reg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11}
	CalleeSaved = []Reg{RBX, RBP, R12, R13, R14, R15}
	// SyscallRegs carry Linux system call arguments; the number is in rax.
	SyscallRegs = []Reg{RDI, RSI, RDX, R10, R8, R9}
)

// Cond is the 4-bit condition code shared by Jcc, SETcc and CMOVcc.
type Cond byte

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2 // unsigned <
	CondAE Cond = 0x3 // unsigned >=
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6 // unsigned <=
	CondA  Cond = 0x7 // unsigned >
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondP  Cond = 0xA
	CondNP Cond = 0xB
	CondL  Cond = 0xC // signed <
	CondGE Cond = 0xD // signed >=
	CondLE Cond = 0xE // signed <=
	CondG  Cond = 0xF // signed >
)

// Invert returns the negated condition.
func (c Cond) Invert() Cond { return c ^ 1 }
