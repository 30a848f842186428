package ir

import (
	"encoding/binary"
	"fmt"
)

// State is what the interpreter needs from its surroundings.
type State interface {
	LoadGuest(addr uint64, size int) (uint64, error)
	StoreGuest(addr uint64, size int, v uint64) error
	Env() []byte
	// CallHelper runs a helper by name. noreturn reports that control must
	// not come back to the unit.
	CallHelper(name string, args []uint64) (ret uint64, noreturn bool, err error)
}

type ExitKind uint8

const (
	ExitTB ExitKind = iota
	ExitPtr
	ExitException
	ExitNoReturn
)

type Exit struct {
	Kind      ExitKind
	Slot      int // ExitTB: goto_tb slot or -1
	Value     uint64
	Exception int64
}

func readEnv(env []byte, off int32, t Type) uint64 {
	if t == I32 {
		return uint64(binary.LittleEndian.Uint32(env[off:]))
	}
	return binary.LittleEndian.Uint64(env[off:])
}

func writeEnv(env []byte, off int32, t Type, v uint64) {
	if t == I32 {
		binary.LittleEndian.PutUint32(env[off:], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(env[off:], v)
}

// Interpret executes u directly. It is the reference semantics that
// generated code is checked against.
func Interpret(u *Unit, st State) (Exit, error) {
	if err := u.Validate(); err != nil {
		return Exit{}, err
	}
	labels := make([]int, u.nlabels)
	for i, op := range u.Ops {
		if op.Code == OpSetLabel {
			labels[op.Label] = i
		}
	}
	locals := make([]uint64, len(u.temps))
	env := st.Env()
	get := func(t Temp) uint64 {
		info := u.temps[t]
		switch info.Kind {
		case KindConst:
			return info.Value
		case KindGlobal:
			return readEnv(env, info.EnvOffset, info.Type)
		}
		return locals[t]
	}
	set := func(t Temp, v uint64) {
		info := u.temps[t]
		v = info.Type.Mask(v)
		if info.Kind == KindGlobal {
			writeEnv(env, info.EnvOffset, info.Type, v)
			return
		}
		locals[t] = v
	}

	for pc := 0; pc < len(u.Ops); pc++ {
		op := &u.Ops[pc]
		switch op.Code {
		case OpNop, OpSetLabel, OpInsnStart, OpGotoTB:
		case OpMovi:
			set(op.Outs[0], uint64(op.Aux))
		case OpMov, OpNeg, OpNot, OpClz, OpCtz, OpCtpop, OpBswap,
			OpExt8s, OpExt8u, OpExt16s, OpExt16u, OpExt32s, OpExt32u, OpTrunc:
			set(op.Outs[0], Eval1(op.Code, u.TypeOf(op.Outs[0]), get(op.Ins[0])))
		case OpAddCO:
			s, c := AddCarry(op.Type, get(op.Ins[0]), get(op.Ins[1]))
			set(op.Outs[0], s)
			set(op.Outs[1], c)
		case OpSetcond:
			v := uint64(0)
			if Compare(op.Cond, op.Type, get(op.Ins[0]), get(op.Ins[1])) {
				v = 1
			}
			set(op.Outs[0], v)
		case OpMovcond:
			if Compare(op.Cond, u.TypeOf(op.Ins[0]), get(op.Ins[0]), get(op.Ins[1])) {
				set(op.Outs[0], get(op.Ins[2]))
			} else {
				set(op.Outs[0], get(op.Ins[3]))
			}
		case OpBr:
			pc = labels[op.Label]
		case OpBrcond:
			if Compare(op.Cond, op.Type, get(op.Ins[0]), get(op.Ins[1])) {
				pc = labels[op.Label]
			}
		case OpLoad:
			v, err := st.LoadGuest(get(op.Ins[0]), op.Size)
			if err != nil {
				return Exit{}, err
			}
			if op.Signed {
				v = SignExtend(op.Size, v)
			}
			set(op.Outs[0], v)
		case OpStore:
			if err := st.StoreGuest(get(op.Ins[1]), op.Size, get(op.Ins[0])); err != nil {
				return Exit{}, err
			}
		case OpLoadEnv:
			set(op.Outs[0], readEnv(env, int32(op.Aux), op.Type))
		case OpStoreEnv:
			writeEnv(env, int32(op.Aux), op.Type, get(op.Ins[0]))
		case OpAtomicCmpXchg:
			addr := get(op.Ins[0])
			old, err := st.LoadGuest(addr, op.Size)
			if err != nil {
				return Exit{}, err
			}
			if old == get(op.Ins[1])&(^uint64(0)>>(64-8*op.Size)) {
				if err := st.StoreGuest(addr, op.Size, get(op.Ins[2])); err != nil {
					return Exit{}, err
				}
			}
			set(op.Outs[0], old)
		case OpGvecAdd:
			GvecAdd(env, op.Lane, op.Size, int32(op.Aux), int32(op.Aux2), int32(op.Aux3))
		case OpCall:
			args := make([]uint64, len(op.Ins))
			for i, t := range op.Ins {
				args[i] = get(t)
			}
			ret, noreturn, err := st.CallHelper(op.Helper, args)
			if err != nil {
				return Exit{}, err
			}
			if noreturn {
				return Exit{Kind: ExitNoReturn}, nil
			}
			if len(op.Outs) == 1 {
				set(op.Outs[0], ret)
			}
		case OpExitTB:
			return Exit{Kind: ExitTB, Slot: int(op.Aux)}, nil
		case OpGotoPtr:
			return Exit{Kind: ExitPtr, Value: get(op.Ins[0])}, nil
		case OpExitException:
			return Exit{Kind: ExitException, Exception: op.Aux}, nil
		default:
			if op.Code >= OpAdd && op.Code <= OpMulhsu {
				set(op.Outs[0], Eval2(op.Code, op.Type, get(op.Ins[0]), get(op.Ins[1])))
				continue
			}
			return Exit{}, fmt.Errorf("ir: interpret %s not implemented", op.Code)
		}
	}
	return Exit{}, badIR("fell off the end of the unit")
}

// GvecAdd adds lane-wise with wraparound within env.
func GvecAdd(env []byte, lane, size int, dofs, aofs, bofs int32) {
	for i := 0; i < size; i += lane / 8 {
		a, b := env[int(aofs)+i:], env[int(bofs)+i:]
		d := env[int(dofs)+i:]
		switch lane {
		case 8:
			d[0] = a[0] + b[0]
		case 16:
			binary.LittleEndian.PutUint16(d, binary.LittleEndian.Uint16(a)+binary.LittleEndian.Uint16(b))
		case 32:
			binary.LittleEndian.PutUint32(d, binary.LittleEndian.Uint32(a)+binary.LittleEndian.Uint32(b))
		default:
			binary.LittleEndian.PutUint64(d, binary.LittleEndian.Uint64(a)+binary.LittleEndian.Uint64(b))
		}
	}
}
