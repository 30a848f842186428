// Package helper defines the runtime functions that generated code may call,
// from a single signature table that drives prototype generation, call-site
// marshalling and runtime registration.
package helper

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/dbt/dbterrors"
)

// Tag records width and signedness of a helper argument or result.
type Tag uint8

const (
	Void Tag = iota
	U32
	S32
	U64
	S64
	Ptr
)

func (t Tag) Bits() int {
	switch t {
	case U32, S32:
		return 32
	case U64, S64, Ptr:
		return 64
	}
	return 0
}

func (t Tag) Signed() bool { return t == S32 || t == S64 }

func (t Tag) String() string {
	switch t {
	case U32:
		return "u32"
	case S32:
		return "s32"
	case U64:
		return "u64"
	case S64:
		return "s64"
	case Ptr:
		return "ptr"
	}
	return "void"
}

type Flags uint8

const (
	// MayNotReturn: control does not come back to generated code.
	MayNotReturn Flags = 1 << iota
	// EnvImplicit: the env pointer is passed ahead of the declared arguments.
	EnvImplicit
	// NoGlobalWrite: the helper does not modify guest globals held in env.
	NoGlobalWrite
)

func (f Flags) String() string {
	var parts []string
	if f&MayNotReturn != 0 {
		parts = append(parts, "noreturn")
	}
	if f&EnvImplicit != 0 {
		parts = append(parts, "env")
	}
	if f&NoGlobalWrite != 0 {
		parts = append(parts, "no-global-write")
	}
	return strings.Join(parts, ",")
}

// MaxArgs is the declared-argument limit; with the env pointer this fills
// the six integer argument registers of the host ABI.
const MaxArgs = 5

type Signature struct {
	Name  string
	Ret   Tag
	Args  []Tag
	Flags Flags
}

// Def declares a helper.
func Def(name string, flags Flags, ret Tag, args ...Tag) Signature {
	return Signature{Name: name, Ret: ret, Args: args, Flags: flags}
}

func (s Signature) Has(f Flags) bool { return s.Flags&f != 0 }

// RegArgs counts argument registers used, including the env pointer.
func (s Signature) RegArgs() int {
	if s.Has(EnvImplicit) {
		return len(s.Args) + 1
	}
	return len(s.Args)
}

func (s Signature) String() string {
	args := make([]string, 0, len(s.Args)+1)
	if s.Has(EnvImplicit) {
		args = append(args, "env")
	}
	for _, a := range s.Args {
		args = append(args, a.String())
	}
	out := fmt.Sprintf("%s(%s) -> %s", s.Name, strings.Join(args, ", "), s.Ret)
	if s.Flags != 0 {
		out += " [" + s.Flags.String() + "]"
	}
	return out
}

func (s Signature) validate() error {
	if s.Name == "" {
		return fmt.Errorf("helper: unnamed signature")
	}
	if len(s.Args) > MaxArgs {
		return fmt.Errorf("helper %s: %d args: %w", s.Name, len(s.Args), dbterrors.ErrTooManyHelperArgs)
	}
	for i, a := range s.Args {
		if a == Void {
			return fmt.Errorf("helper %s: arg %d is void: %w", s.Name, i, dbterrors.ErrTypeMismatch)
		}
	}
	if s.Has(MayNotReturn) && s.Ret != Void {
		return fmt.Errorf("helper %s: noreturn helper with a result: %w", s.Name, dbterrors.ErrTypeMismatch)
	}
	return nil
}

// Table is the single source of truth for helper signatures.
type Table struct {
	sigs   []Signature
	byName map[string]int
}

func NewTable(sigs ...Signature) (*Table, error) {
	t := &Table{byName: make(map[string]int, len(sigs))}
	for _, s := range sigs {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[s.Name]; dup {
			return nil, fmt.Errorf("helper %s: %w", s.Name, dbterrors.ErrDuplicateHelper)
		}
		t.byName[s.Name] = len(t.sigs)
		t.sigs = append(t.sigs, s)
	}
	return t, nil
}

func MustTable(sigs ...Signature) *Table {
	t, err := NewTable(sigs...)
	if err != nil {
		panic(err)
	}
	return t
}

// Merge appends o's signatures after t's.
func (t *Table) Merge(o *Table) (*Table, error) {
	if o == nil {
		return t, nil
	}
	return NewTable(append(append([]Signature{}, t.sigs...), o.sigs...)...)
}

func (t *Table) Len() int { return len(t.sigs) }

func (t *Table) Signatures() []Signature { return append([]Signature(nil), t.sigs...) }

// Describe returns the signature of name.
func (t *Table) Describe(name string) (Signature, error) {
	i, ok := t.byName[name]
	if !ok {
		return Signature{}, fmt.Errorf("helper %q: %w", name, dbterrors.ErrUnknownHelper)
	}
	return t.sigs[i], nil
}

func (t *Table) index(name string) (int, bool) {
	i, ok := t.byName[name]
	return i, ok
}
