package helper

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/log"
)

// EntrySize is the spacing of helper entry points in the helper region.
const EntrySize = 16

type impl struct {
	fn   reflect.Value
	name string
}

// Registry is the registration pass: it binds each declared helper to a Go
// implementation and to a host entry address.
type Registry struct {
	mu    sync.RWMutex
	table *Table
	base  uint64
	impls []impl
	// Strict rejects argument registers that are not properly extended for
	// their declared width.
	Strict bool
}

func NewRegistry(t *Table, base uint64) *Registry {
	return &Registry{table: t, base: base, impls: make([]impl, t.Len())}
}

func (r *Registry) Table() *Table { return r.table }
func (r *Registry) Base() uint64  { return r.base }

// Limit is one past the last helper entry address.
func (r *Registry) Limit() uint64 { return r.base + uint64(r.table.Len())*EntrySize }

// Register binds fn to name after checking it against the prototype.
func (r *Registry) Register(name string, fn any) error {
	i, ok := r.table.index(name)
	if !ok {
		return fmt.Errorf("register %s: %w", name, dbterrors.ErrUnknownHelper)
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Errorf("register %s: %T is not a function: %w", name, fn, dbterrors.ErrTypeMismatch)
	}
	want := prototypeOf(r.table.sigs[i]).FuncType
	got := v.Type()
	if got.NumIn() != want.NumIn() {
		return fmt.Errorf("register %s: %d params, want %d: %w", name, got.NumIn(), want.NumIn(), dbterrors.ErrArityMismatch)
	}
	if got != want {
		return fmt.Errorf("register %s: have %s, want %s: %w", name, got, want, dbterrors.ErrTypeMismatch)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.impls[i].fn.IsValid() {
		return fmt.Errorf("register %s: %w", name, dbterrors.ErrDuplicateHelper)
	}
	r.impls[i] = impl{fn: v, name: name}
	log.Trace(log.Helper, "registered", "name", name, "addr", fmt.Sprintf("0x%x", r.base+uint64(i)*EntrySize))
	return nil
}

// Verify fails if any declared helper lacks an implementation.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, s := range r.table.sigs {
		if !r.impls[i].fn.IsValid() {
			return fmt.Errorf("helper %s: %w", s.Name, dbterrors.ErrMissingHelper)
		}
	}
	return nil
}

// Addr is the entry address generated code calls for name.
func (r *Registry) Addr(name string) (uint64, error) {
	i, ok := r.table.index(name)
	if !ok {
		return 0, fmt.Errorf("helper %q: %w", name, dbterrors.ErrUnknownHelper)
	}
	return r.base + uint64(i)*EntrySize, nil
}

// Lookup maps an entry address back to its signature.
func (r *Registry) Lookup(addr uint64) (Signature, bool) {
	if addr < r.base || addr >= r.Limit() || (addr-r.base)%EntrySize != 0 {
		return Signature{}, false
	}
	return r.table.sigs[(addr-r.base)/EntrySize], true
}

type Entry struct {
	Addr       uint64
	Sig        Signature
	Registered bool
}

func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.table.sigs))
	for i, s := range r.table.sigs {
		out[i] = Entry{Addr: r.base + uint64(i)*EntrySize, Sig: s, Registered: r.impls[i].fn.IsValid()}
	}
	return out
}

func argValue(tag Tag, raw uint64, strict bool) (reflect.Value, error) {
	switch tag {
	case U32:
		if strict && raw>>32 != 0 {
			return reflect.Value{}, fmt.Errorf("u32 argument 0x%x not zero-extended: %w", raw, dbterrors.ErrTypeMismatch)
		}
		return reflect.ValueOf(uint32(raw)), nil
	case S32:
		if strict && raw != uint64(int64(int32(raw))) {
			return reflect.Value{}, fmt.Errorf("s32 argument 0x%x not sign-extended: %w", raw, dbterrors.ErrTypeMismatch)
		}
		return reflect.ValueOf(int32(raw)), nil
	case U64:
		return reflect.ValueOf(raw), nil
	case S64:
		return reflect.ValueOf(int64(raw)), nil
	case Ptr:
		return reflect.ValueOf(Addr(raw)), nil
	}
	return reflect.Value{}, fmt.Errorf("void argument: %w", dbterrors.ErrTypeMismatch)
}

func retValue(tag Tag, v reflect.Value) uint64 {
	switch tag {
	case U32:
		return uint64(uint32(v.Uint()))
	case S32:
		// the upper half of a 32-bit result is unspecified; keep it zero
		return uint64(uint32(v.Int()))
	case U64:
		return v.Uint()
	case S64:
		return uint64(v.Int())
	case Ptr:
		return v.Uint()
	}
	return 0
}

// unwinding is the panic value raised by Unwind.
type unwinding struct{}

// Unwind leaves generated code from inside a may-not-return helper. It does
// not return: Invoke recovers it and reports Result.Unwind.
func Unwind() { panic(unwinding{}) }

func call(fn reflect.Value, in []reflect.Value) (out []reflect.Value, unwound bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(unwinding); !ok {
				panic(r)
			}
			unwound = true
		}
	}()
	return fn.Call(in), false
}

// Result of one helper invocation.
type Result struct {
	Value uint64
	Sig   Signature
	// Unwind is set when the helper left through Unwind: generated code
	// must not resume.
	Unwind bool
}

// Invoke calls the helper at addr with the host argument registers.
func (r *Registry) Invoke(addr uint64, env Env, regs []uint64) (Result, error) {
	sig, ok := r.Lookup(addr)
	if !ok {
		return Result{}, fmt.Errorf("no helper at 0x%x: %w", addr, dbterrors.ErrUnknownHelper)
	}
	r.mu.RLock()
	fn := r.impls[(addr-r.base)/EntrySize].fn
	r.mu.RUnlock()
	if !fn.IsValid() {
		return Result{}, fmt.Errorf("helper %s: %w", sig.Name, dbterrors.ErrMissingHelper)
	}
	if len(regs) < sig.RegArgs() {
		return Result{}, fmt.Errorf("helper %s: %d registers: %w", sig.Name, len(regs), dbterrors.ErrArityMismatch)
	}
	in := make([]reflect.Value, 0, sig.RegArgs())
	k := 0
	if sig.Has(EnvImplicit) {
		if env == nil {
			return Result{}, fmt.Errorf("helper %s: env required: %w", sig.Name, dbterrors.ErrTypeMismatch)
		}
		in = append(in, reflect.ValueOf(&env).Elem())
		k = 1
	}
	for i, tag := range sig.Args {
		v, err := argValue(tag, regs[k+i], r.Strict)
		if err != nil {
			return Result{}, fmt.Errorf("helper %s arg %d: %w", sig.Name, i, err)
		}
		in = append(in, v)
	}
	out, unwound := call(fn, in)
	switch {
	case unwound && !sig.Has(MayNotReturn):
		return Result{}, fmt.Errorf("helper %s unwound without the may-not-return flag: %w", sig.Name, dbterrors.ErrTypeMismatch)
	case !unwound && sig.Has(MayNotReturn):
		return Result{}, fmt.Errorf("helper %s: %w", sig.Name, dbterrors.ErrNoReturnReturned)
	}
	res := Result{Sig: sig, Unwind: unwound}
	if unwound {
		return res, nil
	}
	if sig.Ret != Void {
		res.Value = retValue(sig.Ret, out[0])
	}
	return res, nil
}

// Call invokes a helper by name with already-typed values, as the IR
// interpreter does.
func (r *Registry) Call(name string, env Env, args []uint64) (Result, error) {
	addr, err := r.Addr(name)
	if err != nil {
		return Result{}, err
	}
	sig, _ := r.Lookup(addr)
	if len(args) != len(sig.Args) {
		return Result{}, fmt.Errorf("call %s: %d args, want %d: %w", name, len(args), len(sig.Args), dbterrors.ErrArityMismatch)
	}
	regs := make([]uint64, 0, sig.RegArgs())
	if sig.Has(EnvImplicit) {
		regs = append(regs, 0)
	}
	for i, tag := range sig.Args {
		v := args[i]
		switch tag {
		case U32:
			v = uint64(uint32(v))
		case S32:
			v = uint64(int64(int32(v)))
		}
		regs = append(regs, v)
	}
	return r.Invoke(addr, env, regs)
}
