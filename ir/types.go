// Package ir is the target-independent intermediate form that frontends
// produce and the host backend lowers.
package ir

import "fmt"

type Type uint8

const (
	TypeInvalid Type = iota
	I32
	I64
	Ptr
	V128
)

func (t Type) Bits() int {
	switch t {
	case I32:
		return 32
	case I64, Ptr:
		return 64
	case V128:
		return 128
	}
	return 0
}

func (t Type) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case Ptr:
		return "ptr"
	case V128:
		return "v128"
	}
	return "invalid"
}

// Mask truncates v to the width of t.
func (t Type) Mask(v uint64) uint64 {
	if t == I32 {
		return v & 0xFFFFFFFF
	}
	return v
}

type TempKind uint8

const (
	KindLocal TempKind = iota
	KindGlobal
	KindConst
)

// Temp is a virtual operand. It is only meaningful within its Unit.
type Temp int

const NoTemp Temp = -1

type TempInfo struct {
	Type      Type
	Kind      TempKind
	Name      string
	EnvOffset int32  // KindGlobal: backing slot in the env block
	Value     uint64 // KindConst
}

type Label int

// Cond is a comparison used by setcond, movcond and brcond.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondGE
	CondLE
	CondGT
	CondLTU
	CondGEU
	CondLEU
	CondGTU
	CondAlways
	CondNever
)

var condNames = [...]string{"eq", "ne", "lt", "ge", "le", "gt", "ltu", "geu", "leu", "gtu", "always", "never"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond%d", c)
}

// Invert returns the negation of c.
func (c Cond) Invert() Cond {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondGE:
		return CondLT
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	case CondLTU:
		return CondGEU
	case CondGEU:
		return CondLTU
	case CondLEU:
		return CondGTU
	case CondGTU:
		return CondLEU
	case CondAlways:
		return CondNever
	}
	return CondAlways
}

// Swap returns the condition with its operands exchanged.
func (c Cond) Swap() Cond {
	switch c {
	case CondLT:
		return CondGT
	case CondGT:
		return CondLT
	case CondLE:
		return CondGE
	case CondGE:
		return CondLE
	case CondLTU:
		return CondGTU
	case CondGTU:
		return CondLTU
	case CondLEU:
		return CondGEU
	case CondGEU:
		return CondLEU
	}
	return c
}
