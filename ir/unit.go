package ir

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/dbt/dbterrors"
)

// Unit is one translation unit: the IR for a single guest basic block.
type Unit struct {
	PC     uint64
	Flags  uint32
	CFlags uint32
	// GuestSize is the number of guest code bytes the unit was decoded from.
	GuestSize uint64

	Ops     []Op
	temps   []TempInfo
	nlabels int
	globals map[int32]Temp
}

func NewUnit(pc uint64, flags, cflags uint32) *Unit {
	return &Unit{PC: pc, Flags: flags, CFlags: cflags, globals: map[int32]Temp{}}
}

func (u *Unit) NumTemps() int            { return len(u.temps) }
func (u *Unit) NumLabels() int           { return u.nlabels }
func (u *Unit) Info(t Temp) TempInfo     { return u.temps[t] }
func (u *Unit) TypeOf(t Temp) Type       { return u.temps[t].Type }
func (u *Unit) IsConst(t Temp) bool      { return u.temps[t].Kind == KindConst }
func (u *Unit) IsGlobal(t Temp) bool     { return u.temps[t].Kind == KindGlobal }
func (u *Unit) ConstValue(t Temp) uint64 { return u.temps[t].Value }

func (u *Unit) newTemp(info TempInfo) Temp {
	u.temps = append(u.temps, info)
	return Temp(len(u.temps) - 1)
}

func (u *Unit) NewTemp(t Type) Temp { return u.newTemp(TempInfo{Type: t}) }

func (u *Unit) Const(t Type, v uint64) Temp {
	return u.newTemp(TempInfo{Type: t, Kind: KindConst, Value: t.Mask(v)})
}

// Global binds a temp to an env slot. The same slot always yields the same temp.
func (u *Unit) Global(t Type, name string, off int32) Temp {
	if g, ok := u.globals[off]; ok {
		return g
	}
	g := u.newTemp(TempInfo{Type: t, Kind: KindGlobal, Name: name, EnvOffset: off})
	u.globals[off] = g
	return g
}

// Globals lists global temps in creation order.
func (u *Unit) Globals() []Temp {
	var out []Temp
	for i, info := range u.temps {
		if info.Kind == KindGlobal {
			out = append(out, Temp(i))
		}
	}
	return out
}

func (u *Unit) NewLabel() Label {
	u.nlabels++
	return Label(u.nlabels - 1)
}

func (u *Unit) Emit(op Op) { u.Ops = append(u.Ops, op) }

func (u *Unit) Mov(dst, src Temp) {
	u.Emit(Op{Code: OpMov, Type: u.TypeOf(dst), Outs: []Temp{dst}, Ins: []Temp{src}})
}

func (u *Unit) Movi(dst Temp, v uint64) {
	u.Emit(Op{Code: OpMovi, Type: u.TypeOf(dst), Outs: []Temp{dst}, Aux: int64(v)})
}

func (u *Unit) Binary(code Opcode, dst, a, b Temp) {
	u.Emit(Op{Code: code, Type: u.TypeOf(dst), Outs: []Temp{dst}, Ins: []Temp{a, b}})
}

func (u *Unit) Unary(code Opcode, dst, a Temp) {
	u.Emit(Op{Code: code, Type: u.TypeOf(dst), Outs: []Temp{dst}, Ins: []Temp{a}})
}

func (u *Unit) AddCO(sum, carry, a, b Temp) {
	u.Emit(Op{Code: OpAddCO, Type: u.TypeOf(sum), Outs: []Temp{sum, carry}, Ins: []Temp{a, b}})
}

func (u *Unit) Setcond(c Cond, dst, a, b Temp) {
	u.Emit(Op{Code: OpSetcond, Type: u.TypeOf(a), Cond: c, Outs: []Temp{dst}, Ins: []Temp{a, b}})
}

func (u *Unit) Movcond(c Cond, dst, c1, c2, v1, v2 Temp) {
	u.Emit(Op{Code: OpMovcond, Type: u.TypeOf(dst), Cond: c, Outs: []Temp{dst}, Ins: []Temp{c1, c2, v1, v2}})
}

func (u *Unit) SetLabel(l Label) { u.Emit(Op{Code: OpSetLabel, Label: l}) }
func (u *Unit) Br(l Label)       { u.Emit(Op{Code: OpBr, Label: l}) }

func (u *Unit) Brcond(c Cond, a, b Temp, l Label) {
	u.Emit(Op{Code: OpBrcond, Type: u.TypeOf(a), Cond: c, Ins: []Temp{a, b}, Label: l})
}

// Load reads size bytes of guest memory at addr into dst.
func (u *Unit) Load(size int, signed bool, dst, addr Temp) {
	u.Emit(Op{Code: OpLoad, Type: u.TypeOf(dst), Size: size, Signed: signed, Outs: []Temp{dst}, Ins: []Temp{addr}})
}

func (u *Unit) Store(size int, val, addr Temp) {
	u.Emit(Op{Code: OpStore, Type: u.TypeOf(val), Size: size, Ins: []Temp{val, addr}})
}

func (u *Unit) LoadEnv(dst Temp, off int32) {
	u.Emit(Op{Code: OpLoadEnv, Type: u.TypeOf(dst), Outs: []Temp{dst}, Aux: int64(off)})
}

func (u *Unit) StoreEnv(src Temp, off int32) {
	u.Emit(Op{Code: OpStoreEnv, Type: u.TypeOf(src), Ins: []Temp{src}, Aux: int64(off)})
}

func (u *Unit) AtomicCmpXchg(size int, old, addr, cmp, nv Temp) {
	u.Emit(Op{Code: OpAtomicCmpXchg, Type: u.TypeOf(old), Size: size, Outs: []Temp{old}, Ins: []Temp{addr, cmp, nv}})
}

// GvecAdd adds size bytes of env at aofs and bofs lane by lane into dofs.
func (u *Unit) GvecAdd(lane, size int, dofs, aofs, bofs int32) {
	u.Emit(Op{Code: OpGvecAdd, Type: V128, Lane: lane, Size: size, Aux: int64(dofs), Aux2: int64(aofs), Aux3: int64(bofs)})
}

// Call invokes a helper. out may be NoTemp for void helpers.
func (u *Unit) Call(name string, out Temp, args ...Temp) {
	op := Op{Code: OpCall, Helper: name, Ins: args}
	if out != NoTemp {
		op.Outs = []Temp{out}
		op.Type = u.TypeOf(out)
	}
	u.Emit(op)
}

func (u *Unit) InsnStart(pc uint64) { u.Emit(Op{Code: OpInsnStart, Aux: int64(pc)}) }
func (u *Unit) GotoTB(slot int)     { u.Emit(Op{Code: OpGotoTB, Aux: int64(slot)}) }

// ExitTB returns to the dispatcher. slot -1 means the exit cannot be chained.
func (u *Unit) ExitTB(slot int) { u.Emit(Op{Code: OpExitTB, Aux: int64(slot)}) }

func (u *Unit) GotoPtr(ptr Temp) { u.Emit(Op{Code: OpGotoPtr, Type: Ptr, Ins: []Temp{ptr}}) }

func (u *Unit) ExitException(excp int) { u.Emit(Op{Code: OpExitException, Aux: int64(excp)}) }

func (u *Unit) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "unit pc=0x%x flags=0x%x\n", u.PC, u.Flags)
	for i := range u.Ops {
		sb.WriteString("  " + u.FormatOp(&u.Ops[i]) + "\n")
	}
	return sb.String()
}

func badIR(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dbterrors.ErrBadIR, fmt.Sprintf(format, args...))
}

// Validate checks operand counts, types, labels and exit structure.
func (u *Unit) Validate() error {
	if len(u.Ops) == 0 {
		return badIR("empty unit")
	}
	bound := make([]int, u.nlabels)
	gotoSlots := map[int64]bool{}
	exitSlots := map[int64]bool{}
	for i := range u.Ops {
		op := &u.Ops[i]
		if op.Code >= numOpcodes {
			return badIR("op %d: unknown opcode %d", i, op.Code)
		}
		def := opDefs[op.Code]
		if def.nIn >= 0 && len(op.Ins) != def.nIn {
			return badIR("op %d %s: %d inputs, want %d", i, op.Code, len(op.Ins), def.nIn)
		}
		if def.nOut >= 0 && len(op.Outs) != def.nOut {
			return badIR("op %d %s: %d outputs, want %d", i, op.Code, len(op.Outs), def.nOut)
		}
		for _, t := range append(append([]Temp{}, op.Ins...), op.Outs...) {
			if t < 0 || int(t) >= len(u.temps) {
				return badIR("op %d %s: temp %d out of range", i, op.Code, t)
			}
		}
		for _, t := range op.Outs {
			if u.IsConst(t) {
				return badIR("op %d %s: writes constant", i, op.Code)
			}
		}
		if err := u.checkTypes(i, op); err != nil {
			return err
		}
		switch op.Code {
		case OpSetLabel:
			if int(op.Label) >= u.nlabels {
				return badIR("op %d: label %d not allocated", i, op.Label)
			}
			bound[op.Label]++
		case OpBr, OpBrcond:
			if int(op.Label) >= u.nlabels {
				return badIR("op %d: label %d not allocated", i, op.Label)
			}
		case OpLoad, OpStore, OpAtomicCmpXchg:
			if op.Size != 1 && op.Size != 2 && op.Size != 4 && op.Size != 8 {
				return badIR("op %d %s: size %d", i, op.Code, op.Size)
			}
			if op.Size*8 > op.Type.Bits() {
				return badIR("op %d %s: size %d wider than %s", i, op.Code, op.Size, op.Type)
			}
			if op.Code == OpAtomicCmpXchg && op.Size < 4 {
				return badIR("op %d: atomic access narrower than 4 bytes", i)
			}
		case OpGotoTB:
			if op.Aux != 0 && op.Aux != 1 {
				return badIR("op %d: goto_tb slot %d", i, op.Aux)
			}
			if gotoSlots[op.Aux] {
				return badIR("op %d: goto_tb slot %d used twice", i, op.Aux)
			}
			gotoSlots[op.Aux] = true
		case OpExitTB:
			if op.Aux >= 0 {
				if !gotoSlots[op.Aux] {
					return badIR("op %d: exit_tb slot %d without goto_tb", i, op.Aux)
				}
				exitSlots[op.Aux] = true
			}
		case OpGvecAdd:
			if op.Size != 16 && op.Size != 32 {
				return badIR("op %d: vector size %d", i, op.Size)
			}
			if op.Lane != 8 && op.Lane != 16 && op.Lane != 32 && op.Lane != 64 {
				return badIR("op %d: vector lane %d", i, op.Lane)
			}
		case OpCall:
			if op.Helper == "" {
				return badIR("op %d: call without helper name", i)
			}
			if len(op.Outs) > 1 {
				return badIR("op %d: call with %d results", i, len(op.Outs))
			}
		}
	}
	for l, n := range bound {
		if n != 1 {
			return badIR("label %d bound %d times", l, n)
		}
	}
	for s := range gotoSlots {
		if !exitSlots[s] {
			return badIR("goto_tb slot %d has no exit_tb", s)
		}
	}
	last := u.Ops[len(u.Ops)-1].Code
	if !last.Terminator() && last != OpCall && last != OpBr {
		return badIR("unit does not end in an exit (last op %s)", last)
	}
	return nil
}

func isInt(t Type) bool { return t == I32 || t == I64 || t == Ptr }

func (u *Unit) checkTypes(i int, op *Op) error {
	same := func(ts ...Temp) error {
		for _, t := range ts {
			if u.TypeOf(t) != op.Type {
				return badIR("op %d %s: operand %s is %s, want %s", i, op.Code, u.formatTemp(t), u.TypeOf(t), op.Type)
			}
		}
		return nil
	}
	switch op.Code {
	case OpMov, OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor, OpAndc, OpOrc, OpEqv, OpNeg, OpNot,
		OpShl, OpShr, OpSar, OpRotl, OpRotr, OpDivu, OpDivs, OpRemu, OpRems,
		OpMulhu, OpMulhs, OpMulhsu, OpAddCO, OpClz, OpCtz, OpCtpop, OpBswap,
		OpExt8s, OpExt8u, OpExt16s, OpExt16u:
		if !isInt(op.Type) {
			return badIR("op %d %s: type %s", i, op.Code, op.Type)
		}
		return same(append(append([]Temp{}, op.Outs...), op.Ins...)...)
	case OpExt32s, OpExt32u:
		if u.TypeOf(op.Ins[0]) != I32 || u.TypeOf(op.Outs[0]) != I64 {
			return badIR("op %d %s: want i32 -> i64", i, op.Code)
		}
	case OpTrunc:
		if u.TypeOf(op.Ins[0]) != I64 || u.TypeOf(op.Outs[0]) != I32 {
			return badIR("op %d trunc: want i64 -> i32", i)
		}
	case OpSetcond, OpBrcond:
		if err := same(op.Ins...); err != nil {
			return err
		}
		if op.Code == OpSetcond && !isInt(u.TypeOf(op.Outs[0])) {
			return badIR("op %d setcond: result type", i)
		}
	case OpMovcond:
		if u.TypeOf(op.Ins[0]) != u.TypeOf(op.Ins[1]) {
			return badIR("op %d movcond: compare operands differ", i)
		}
		return same(op.Outs[0], op.Ins[2], op.Ins[3])
	case OpAtomicCmpXchg:
		return same(op.Outs[0], op.Ins[1], op.Ins[2])
	case OpGotoPtr:
		if !isInt(u.TypeOf(op.Ins[0])) || u.TypeOf(op.Ins[0]) == I32 {
			return badIR("op %d goto_ptr: operand must be 64-bit", i)
		}
	}
	return nil
}
