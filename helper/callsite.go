package helper

import (
	"fmt"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/ir"
)

// ArgSlot says how one argument reaches its register.
type ArgSlot struct {
	Reg  int // position in the host argument register list
	Tag  Tag
	Env  bool // the implicit env pointer
	Temp ir.Temp
}

// CallPlan is the call-site pass output consumed by the backend.
type CallPlan struct {
	Sig   Signature
	Slots []ArgSlot
	// Result is the IR temp receiving the return value, or ir.NoTemp.
	Result ir.Temp
}

func compatible(tag Tag, t ir.Type) bool {
	switch tag {
	case U32, S32:
		return t == ir.I32
	case U64, S64, Ptr:
		return t == ir.I64 || t == ir.Ptr
	}
	return false
}

// PlanCall checks a call against its signature and assigns registers.
func PlanCall(t *Table, u *ir.Unit, name string, result ir.Temp, args []ir.Temp) (CallPlan, error) {
	sig, err := t.Describe(name)
	if err != nil {
		return CallPlan{}, err
	}
	if len(args) != len(sig.Args) {
		return CallPlan{}, fmt.Errorf("call %s: %d args, want %d: %w", name, len(args), len(sig.Args), dbterrors.ErrArityMismatch)
	}
	plan := CallPlan{Sig: sig, Result: result}
	reg := 0
	if sig.Has(EnvImplicit) {
		plan.Slots = append(plan.Slots, ArgSlot{Reg: 0, Tag: Ptr, Env: true, Temp: ir.NoTemp})
		reg = 1
	}
	for i, a := range args {
		if !compatible(sig.Args[i], u.TypeOf(a)) {
			return CallPlan{}, fmt.Errorf("call %s: arg %d is %s, want %s: %w", name, i, u.TypeOf(a), sig.Args[i], dbterrors.ErrTypeMismatch)
		}
		plan.Slots = append(plan.Slots, ArgSlot{Reg: reg + i, Tag: sig.Args[i], Temp: a})
	}
	switch {
	case result == ir.NoTemp:
	case sig.Ret == Void:
		return CallPlan{}, fmt.Errorf("call %s: void helper has no result: %w", name, dbterrors.ErrTypeMismatch)
	case !compatible(sig.Ret, u.TypeOf(result)):
		return CallPlan{}, fmt.Errorf("call %s: result is %s, want %s: %w", name, u.TypeOf(result), sig.Ret, dbterrors.ErrTypeMismatch)
	}
	return plan, nil
}
