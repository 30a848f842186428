// Package capability answers, for the host that runs generated code, whether
// an IR operation at a given width has a native instruction form.
package capability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Support is the tri-state answer of a capability query.
type Support uint8

const (
	Unsupported Support = iota
	Supported
	// Restricted means a native form exists but carries operand
	// constraints (fixed registers, counts in CL, trap guards).
	Restricted
)

func (s Support) String() string {
	switch s {
	case Supported:
		return "supported"
	case Restricted:
		return "restricted"
	}
	return "unsupported"
}

// ParseSupport accepts the names produced by String.
func ParseSupport(s string) (Support, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "supported", "yes", "native":
		return Supported, nil
	case "restricted", "supported-with-restriction":
		return Restricted, nil
	case "unsupported", "no":
		return Unsupported, nil
	}
	return Unsupported, fmt.Errorf("capability: unknown support %q", s)
}

// Op names a capability-gated IR operation family.
type Op string

const (
	Rotate             Op = "rotate"
	Divide             Op = "divide"
	MultiplyHigh       Op = "multiply-high"
	CountLeadingZeros  Op = "count-leading-zeros"
	CountTrailingZeros Op = "count-trailing-zeros"
	PopulationCount    Op = "population-count"
	ByteSwap           Op = "byte-swap"
	ConditionalMove    Op = "conditional-move"
	AddCarry           Op = "add-carry"
	AtomicCmpXchg      Op = "atomic-cmpxchg"
	Vector             Op = "vector"
)

var knownOps = map[Op]bool{
	Rotate: true, Divide: true, MultiplyHigh: true, CountLeadingZeros: true,
	CountTrailingZeros: true, PopulationCount: true, ByteSwap: true,
	ConditionalMove: true, AddCarry: true, AtomicCmpXchg: true, Vector: true,
}

// Key is an (operation, width) pair such as "divide-64".
type Key struct {
	Op    Op
	Width int
}

func (k Key) String() string { return string(k.Op) + "-" + strconv.Itoa(k.Width) }

func ParseKey(s string) (Key, error) {
	i := strings.LastIndexByte(s, '-')
	if i <= 0 {
		return Key{}, fmt.Errorf("capability: bad key %q", s)
	}
	w, err := strconv.Atoi(s[i+1:])
	if err != nil || w <= 0 {
		return Key{}, fmt.Errorf("capability: bad width in %q", s)
	}
	op := Op(s[:i])
	if !knownOps[op] {
		return Key{}, fmt.Errorf("capability: unknown operation %q", op)
	}
	return Key{Op: op, Width: w}, nil
}

type Entry struct {
	Key     Key
	Support Support
}

// Table is immutable once built and may be shared by every generating thread.
type Table struct {
	name string
	m    map[Key]Support
}

func New(name string, entries map[Key]Support) *Table {
	m := make(map[Key]Support, len(entries))
	for k, v := range entries {
		if v != Unsupported {
			m[k] = v
		}
	}
	return &Table{name: name, m: m}
}

func (t *Table) Name() string { return t.name }

// Supports never fails: an unknown op is unsupported.
func (t *Table) Supports(op Op, width int) Support {
	if t == nil {
		return Unsupported
	}
	return t.m[Key{op, width}]
}

func (t *Table) Lookup(key string) Support {
	k, err := ParseKey(key)
	if err != nil {
		return Unsupported
	}
	return t.Supports(k.Op, k.Width)
}

// Native reports whether op has any native form.
func (t *Table) Native(op Op, width int) bool {
	return t.Supports(op, width) != Unsupported
}

func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.m))
	for k, v := range t.m {
		out = append(out, Entry{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// With returns a copy with overrides applied, e.g. {"divide-64": "unsupported"}.
func (t *Table) With(overrides map[string]string) (*Table, error) {
	m := make(map[Key]Support, len(t.m)+len(overrides))
	for k, v := range t.m {
		m[k] = v
	}
	for ks, vs := range overrides {
		k, err := ParseKey(ks)
		if err != nil {
			return nil, err
		}
		v, err := ParseSupport(vs)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	name := t.name
	if len(overrides) > 0 {
		name += "+overrides"
	}
	return New(name, m), nil
}

// Restrict keeps only what both tables can do. Restricted wins over Supported.
func (t *Table) Restrict(o *Table) *Table {
	m := make(map[Key]Support)
	for k, a := range t.m {
		b := o.m[k]
		switch {
		case a == Unsupported || b == Unsupported:
		case a == Restricted || b == Restricted:
			m[k] = Restricted
		default:
			m[k] = Supported
		}
	}
	return New(t.name+"&"+o.name, m)
}

func (t *Table) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "capabilities %s\n", t.name)
	for _, e := range t.Entries() {
		fmt.Fprintf(&sb, "  %-28s %s\n", e.Key, e.Support)
	}
	return sb.String()
}
