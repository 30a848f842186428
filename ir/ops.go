package ir

import (
	"fmt"
	"strings"
)

type Opcode uint16

const (
	OpNop Opcode = iota
	OpMov
	OpMovi // Outs[0] = Aux

	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpAndc // a & ^b
	OpOrc  // a | ^b
	OpEqv  // ^(a ^ b)
	OpNeg
	OpNot
	OpShl
	OpShr
	OpSar
	OpRotl
	OpRotr
	OpDivu
	OpDivs
	OpRemu
	OpRems
	OpMulhu
	OpMulhs
	OpMulhsu // signed a times unsigned b, high half
	OpAddCO  // Outs = sum, carry
	OpClz
	OpCtz
	OpCtpop
	OpBswap
	OpExt8s
	OpExt8u
	OpExt16s
	OpExt16u
	OpExt32s // i32 -> i64
	OpExt32u // i32 -> i64
	OpTrunc  // i64 -> i32

	OpSetcond
	OpMovcond // Outs[0] = cond(Ins[0], Ins[1]) ? Ins[2] : Ins[3]

	OpSetLabel
	OpBr
	OpBrcond

	OpLoad  // Outs[0] = guest[Ins[0]], Size bytes
	OpStore // guest[Ins[1]] = Ins[0]
	OpLoadEnv
	OpStoreEnv
	OpAtomicCmpXchg // Outs[0] = old; guest[Ins[0]] = Ins[2] if old == Ins[1]

	OpGvecAdd // env[Aux] = env[Aux2] + env[Aux3] lane-wise, Size bytes, Lane bits

	OpCall

	OpInsnStart // Aux = guest pc
	OpGotoTB    // Aux = slot; followed by OpExitTB
	OpExitTB    // Aux = slot, or -1 for an unchained exit
	OpGotoPtr   // jump to the host address in Ins[0]
	OpExitException

	numOpcodes
)

type opFlags uint8

const (
	flagSideEffect opFlags = 1 << iota
	flagTerminator
	flagBranch
)

type opDef struct {
	name  string
	nIn   int
	nOut  int
	flags opFlags
}

var opDefs = [numOpcodes]opDef{
	OpNop:           {"nop", 0, 0, 0},
	OpMov:           {"mov", 1, 1, 0},
	OpMovi:          {"movi", 0, 1, 0},
	OpAdd:           {"add", 2, 1, 0},
	OpSub:           {"sub", 2, 1, 0},
	OpMul:           {"mul", 2, 1, 0},
	OpAnd:           {"and", 2, 1, 0},
	OpOr:            {"or", 2, 1, 0},
	OpXor:           {"xor", 2, 1, 0},
	OpAndc:          {"andc", 2, 1, 0},
	OpOrc:           {"orc", 2, 1, 0},
	OpEqv:           {"eqv", 2, 1, 0},
	OpNeg:           {"neg", 1, 1, 0},
	OpNot:           {"not", 1, 1, 0},
	OpShl:           {"shl", 2, 1, 0},
	OpShr:           {"shr", 2, 1, 0},
	OpSar:           {"sar", 2, 1, 0},
	OpRotl:          {"rotl", 2, 1, 0},
	OpRotr:          {"rotr", 2, 1, 0},
	OpDivu:          {"divu", 2, 1, 0},
	OpDivs:          {"divs", 2, 1, 0},
	OpRemu:          {"remu", 2, 1, 0},
	OpRems:          {"rems", 2, 1, 0},
	OpMulhu:         {"mulhu", 2, 1, 0},
	OpMulhs:         {"mulhs", 2, 1, 0},
	OpMulhsu:        {"mulhsu", 2, 1, 0},
	OpAddCO:         {"addco", 2, 2, 0},
	OpClz:           {"clz", 1, 1, 0},
	OpCtz:           {"ctz", 1, 1, 0},
	OpCtpop:         {"ctpop", 1, 1, 0},
	OpBswap:         {"bswap", 1, 1, 0},
	OpExt8s:         {"ext8s", 1, 1, 0},
	OpExt8u:         {"ext8u", 1, 1, 0},
	OpExt16s:        {"ext16s", 1, 1, 0},
	OpExt16u:        {"ext16u", 1, 1, 0},
	OpExt32s:        {"ext32s", 1, 1, 0},
	OpExt32u:        {"ext32u", 1, 1, 0},
	OpTrunc:         {"trunc", 1, 1, 0},
	OpSetcond:       {"setcond", 2, 1, 0},
	OpMovcond:       {"movcond", 4, 1, 0},
	OpSetLabel:      {"set_label", 0, 0, flagSideEffect},
	OpBr:            {"br", 0, 0, flagSideEffect | flagBranch},
	OpBrcond:        {"brcond", 2, 0, flagSideEffect | flagBranch},
	OpLoad:          {"ld", 1, 1, flagSideEffect},
	OpStore:         {"st", 2, 0, flagSideEffect},
	OpLoadEnv:       {"ld_env", 0, 1, 0},
	OpStoreEnv:      {"st_env", 1, 0, flagSideEffect},
	OpAtomicCmpXchg: {"atomic_cmpxchg", 3, 1, flagSideEffect},
	OpGvecAdd:       {"gvec_add", 0, 0, flagSideEffect},
	OpCall:          {"call", -1, -1, flagSideEffect},
	OpInsnStart:     {"insn_start", 0, 0, flagSideEffect},
	OpGotoTB:        {"goto_tb", 0, 0, flagSideEffect},
	OpExitTB:        {"exit_tb", 0, 0, flagSideEffect | flagTerminator},
	OpGotoPtr:       {"goto_ptr", 1, 0, flagSideEffect | flagTerminator},
	OpExitException: {"exit_excp", 0, 0, flagSideEffect | flagTerminator},
}

func (o Opcode) String() string {
	if o < numOpcodes && opDefs[o].name != "" {
		return opDefs[o].name
	}
	return fmt.Sprintf("op%d", o)
}

func (o Opcode) SideEffect() bool { return o < numOpcodes && opDefs[o].flags&flagSideEffect != 0 }
func (o Opcode) Terminator() bool { return o < numOpcodes && opDefs[o].flags&flagTerminator != 0 }

// Op is one IR instruction.
type Op struct {
	Code   Opcode
	Type   Type // operation width
	Outs   []Temp
	Ins    []Temp
	Cond   Cond
	Label  Label
	Size   int // memory access bytes, vector bytes
	Lane   int // vector lane bits
	Signed bool
	Aux    int64
	Aux2   int64
	Aux3   int64
	Helper string
}

func (u *Unit) formatTemp(t Temp) string {
	if t == NoTemp {
		return "_"
	}
	info := u.temps[t]
	switch info.Kind {
	case KindConst:
		return fmt.Sprintf("$0x%x", info.Value)
	case KindGlobal:
		return info.Name
	}
	return fmt.Sprintf("t%d", t)
}

func (u *Unit) FormatOp(op *Op) string {
	var sb strings.Builder
	sb.WriteString(op.Code.String())
	if op.Type != TypeInvalid {
		sb.WriteString("_" + op.Type.String())
	}
	var parts []string
	for _, t := range op.Outs {
		parts = append(parts, u.formatTemp(t))
	}
	for _, t := range op.Ins {
		parts = append(parts, u.formatTemp(t))
	}
	switch op.Code {
	case OpMovi, OpInsnStart, OpGotoTB, OpExitTB, OpExitException, OpLoadEnv, OpStoreEnv:
		parts = append(parts, fmt.Sprintf("0x%x", op.Aux))
	case OpSetcond, OpMovcond:
		parts = append(parts, op.Cond.String())
	case OpBrcond:
		parts = append(parts, op.Cond.String(), fmt.Sprintf("$L%d", op.Label))
	case OpBr, OpSetLabel:
		parts = append(parts, fmt.Sprintf("$L%d", op.Label))
	case OpLoad, OpStore, OpAtomicCmpXchg:
		sign := "u"
		if op.Signed {
			sign = "s"
		}
		parts = append(parts, fmt.Sprintf("%s%d", sign, op.Size*8))
	case OpCall:
		parts = append([]string{op.Helper}, parts...)
	case OpGvecAdd:
		parts = append(parts, fmt.Sprintf("env+%d = env+%d + env+%d (%dx%d)", op.Aux, op.Aux2, op.Aux3, op.Size*8/op.Lane, op.Lane))
	}
	if len(parts) > 0 {
		sb.WriteString(" " + strings.Join(parts, ", "))
	}
	return sb.String()
}
