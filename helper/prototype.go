package helper

import (
	"fmt"
	"io"
	"reflect"
	"strings"
)

// Addr is a host address passed to or returned from a helper.
type Addr uint64

// Env is the CPU state a helper with EnvImplicit receives.
type Env interface {
	ReadEnv(off int32, dst []byte) error
	WriteEnv(off int32, src []byte) error
	RaiseException(excp int32)
	LookupTBPtr() uint64
}

var (
	envType = reflect.TypeOf((*Env)(nil)).Elem()
	tagType = map[Tag]reflect.Type{
		U32: reflect.TypeOf(uint32(0)),
		S32: reflect.TypeOf(int32(0)),
		U64: reflect.TypeOf(uint64(0)),
		S64: reflect.TypeOf(int64(0)),
		Ptr: reflect.TypeOf(Addr(0)),
	}
)

// Prototype is the declaration pass output for one helper: the Go function
// type an implementation must have.
type Prototype struct {
	Sig      Signature
	FuncType reflect.Type
}

func prototypeOf(s Signature) Prototype {
	in := make([]reflect.Type, 0, s.RegArgs())
	if s.Has(EnvImplicit) {
		in = append(in, envType)
	}
	for _, a := range s.Args {
		in = append(in, tagType[a])
	}
	var out []reflect.Type
	if s.Ret != Void {
		out = append(out, tagType[s.Ret])
	}
	return Prototype{Sig: s, FuncType: reflect.FuncOf(in, out, false)}
}

// Prototypes runs the declaration pass over t.
func Prototypes(t *Table) []Prototype {
	out := make([]Prototype, len(t.sigs))
	for i, s := range t.sigs {
		out[i] = prototypeOf(s)
	}
	return out
}

func goTypeName(t reflect.Type) string {
	if t == envType {
		return "helper.Env"
	}
	if t == tagType[Ptr] {
		return "helper.Addr"
	}
	return t.String()
}

// Declaration renders the prototype as Go source.
func (p Prototype) Declaration() string {
	var params []string
	for i := 0; i < p.FuncType.NumIn(); i++ {
		name := fmt.Sprintf("a%d", i)
		if i == 0 && p.Sig.Has(EnvImplicit) {
			name = "env"
		}
		params = append(params, name+" "+goTypeName(p.FuncType.In(i)))
	}
	decl := fmt.Sprintf("func helper_%s(%s)", p.Sig.Name, strings.Join(params, ", "))
	if p.FuncType.NumOut() == 1 {
		decl += " " + goTypeName(p.FuncType.Out(0))
	}
	return decl
}

// WriteDeclarations emits a Go declaration block for every helper in t.
func WriteDeclarations(w io.Writer, t *Table) error {
	if _, err := fmt.Fprintf(w, "// Helper prototypes, one per signature table entry.\n\n"); err != nil {
		return err
	}
	for _, p := range Prototypes(t) {
		if p.Sig.Flags != 0 {
			if _, err := fmt.Fprintf(w, "// flags: %s\n", p.Sig.Flags); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "type %sFunc = func%s\n\n", exportName(p.Sig.Name), strings.TrimPrefix(p.Declaration(), "func helper_"+p.Sig.Name)); err != nil {
			return err
		}
	}
	return nil
}

func exportName(name string) string {
	var sb strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		sb.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	return sb.String()
}
