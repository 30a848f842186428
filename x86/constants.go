package x86

// REX Prefix Constants
const (
	X86_REX_BASE = 0x40 // Base value for REX prefix
	X86_REX_W    = 0x08 // REX.W - 64-bit operand size
	X86_REX_R    = 0x04 // REX.R - Extension of ModRM reg field
	X86_REX_X    = 0x02 // REX.X - Extension of SIB index field
	X86_REX_B    = 0x01 // REX.B - Extension of ModRM r/m, SIB base, or opcode reg field
)

// ModRM Mode Constants
const (
	X86_MOD_INDIRECT        = 0x00 // [reg]
	X86_MOD_INDIRECT_DISP8  = 0x01 // [reg + disp8]
	X86_MOD_INDIRECT_DISP32 = 0x02 // [reg + disp32]
	X86_MOD_REGISTER        = 0x03 // reg
)

// Primary Opcodes
const (
	X86_OP_ADD_RM_R        = 0x01
	X86_OP_OR_RM_R         = 0x09
	X86_OP_ADC_RM_R        = 0x11
	X86_OP_SBB_RM_R        = 0x19
	X86_OP_AND_RM_R        = 0x21
	X86_OP_SUB_RM_R        = 0x29
	X86_OP_XOR_RM_R        = 0x31
	X86_OP_CMP_RM_R        = 0x39
	X86_OP_PUSH_R          = 0x50 // PUSH r64 (+ reg)
	X86_OP_POP_R           = 0x58 // POP r64 (+ reg)
	X86_OP_MOVSXD          = 0x63 // MOVSXD r64, r/m32
	X86_OP_GROUP1_RM_IMM32 = 0x81
	X86_OP_GROUP1_RM_IMM8  = 0x83
	X86_OP_TEST_RM_R       = 0x85
	X86_OP_MOV_RM8_R8      = 0x88
	X86_OP_MOV_RM_R        = 0x89
	X86_OP_MOV_R_RM        = 0x8B
	X86_OP_LEA             = 0x8D
	X86_OP_MOV_R_IMM       = 0xB8 // MOV r, imm (+ reg)
	X86_OP_GROUP2_RM_IMM8  = 0xC1
	X86_OP_RET             = 0xC3
	X86_OP_MOV_RM_IMM      = 0xC7
	X86_OP_GROUP2_RM_CL    = 0xD3
	X86_OP_CALL_REL32      = 0xE8
	X86_OP_JMP_REL32       = 0xE9
	X86_OP_JMP_REL8        = 0xEB
	X86_OP_GROUP3_RM       = 0xF7
	X86_OP_GROUP5_RM       = 0xFF
	X86_OP_NOP             = 0x90
	X86_OP_CQO             = 0x99 // CDQ, CQO with REX.W
)

// Two-byte Opcodes (0x0F prefix)
const (
	X86_OP2_SYSCALL      = 0x05
	X86_OP2_UD2          = 0x0B
	X86_OP2_CMOVCC       = 0x40 // + cond
	X86_OP2_JCC          = 0x80 // + cond
	X86_OP2_SETCC        = 0x90 // + cond
	X86_OP2_IMUL_R_RM    = 0xAF
	X86_OP2_CMPXCHG      = 0xB1
	X86_OP2_MOVZX_R_RM8  = 0xB6
	X86_OP2_MOVZX_R_RM16 = 0xB7
	X86_OP2_POPCNT       = 0xB8 // with F3
	X86_OP2_TZCNT        = 0xBC // with F3
	X86_OP2_LZCNT        = 0xBD // with F3
	X86_OP2_MOVSX_R_RM8  = 0xBE
	X86_OP2_MOVSX_R_RM16 = 0xBF
	X86_OP2_BSWAP        = 0xC8 // + reg
	X86_OP2_MOVDQU_LOAD  = 0x6F // with F3
	X86_OP2_MOVDQU_STORE = 0x7F // with F3
	X86_OP2_PADDQ        = 0xD4 // with 66
	X86_OP2_PADDB        = 0xFC // with 66
	X86_OP2_PADDW        = 0xFD // with 66
	X86_OP2_PADDD        = 0xFE // with 66
)

// ModRM reg field constants for group 1 (0x81/0x83)
const (
	X86_REG_ADD = 0
	X86_REG_OR  = 1
	X86_REG_ADC = 2
	X86_REG_SBB = 3
	X86_REG_AND = 4
	X86_REG_SUB = 5
	X86_REG_XOR = 6
	X86_REG_CMP = 7
)

// Unary operation reg field constants (for 0xF7 opcode)
const (
	X86_REG_TEST = 0
	X86_REG_NOT  = 2
	X86_REG_NEG  = 3
	X86_REG_MUL  = 4
	X86_REG_IMUL = 5
	X86_REG_DIV  = 6
	X86_REG_IDIV = 7
)

// Shift operation reg field constants (for 0xC1/0xD3 opcodes)
const (
	X86_REG_ROL = 0
	X86_REG_ROR = 1
	X86_REG_SHL = 4
	X86_REG_SHR = 5
	X86_REG_SAR = 7
)

// Group 5 reg field constants (for 0xFF opcode)
const (
	X86_REG_CALL_RM = 2
	X86_REG_JMP_RM  = 4
)

// Prefixes
const (
	X86_PREFIX_LOCK = 0xF0
	X86_PREFIX_REP  = 0xF3
	X86_PREFIX_0F   = 0x0F
	X86_PREFIX_66   = 0x66
)

// SIB (Scale-Index-Base) Constants
const (
	X86_SIB_NO_INDEX  = 0x04 // No index register (RSP encoding)
	X86_SIB_INDICATOR = 0x04 // rm=4 indicates SIB byte follows
)
