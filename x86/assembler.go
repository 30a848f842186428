package x86

import (
	"encoding/binary"
	"fmt"
)

// Label is a forward or backward branch target within one Assembler.
type Label int

type fixup struct {
	at    int // offset of the rel32 field
	label Label
}

// Assembler accumulates code for one unit and resolves intra-unit branches.
type Assembler struct {
	buf    []byte
	labels []int
	fixups []fixup
}

func NewAssembler(capacity int) *Assembler {
	return &Assembler{buf: make([]byte, 0, capacity)}
}

func (a *Assembler) Emit(b ...byte) { a.buf = append(a.buf, b...) }
func (a *Assembler) Len() int       { return len(a.buf) }
func (a *Assembler) Bytes() []byte  { return a.buf }

func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.labels = a.labels[:0]
	a.fixups = a.fixups[:0]
}

func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

func (a *Assembler) Bind(l Label) { a.labels[l] = len(a.buf) }

func (a *Assembler) Bound(l Label) (int, bool) {
	off := a.labels[l]
	return off, off >= 0
}

func (a *Assembler) JmpLabel(l Label) {
	a.Emit(EmitJmpRel32(0)...)
	a.fixups = append(a.fixups, fixup{len(a.buf) - 4, l})
}

func (a *Assembler) JccLabel(cc Cond, l Label) {
	a.Emit(EmitJccRel32(cc, 0)...)
	a.fixups = append(a.fixups, fixup{len(a.buf) - 4, l})
}

// AlignRel32 pads with NOPs so that a rel32 field starting opLen bytes from
// here lands on a 4-byte boundary. Returns the padding length.
func (a *Assembler) AlignRel32(base uint64, opLen int) int {
	pad := 0
	for (base+uint64(len(a.buf)+opLen+pad))%4 != 0 {
		pad++
	}
	for i := 0; i < pad; i++ {
		a.Emit(X86_OP_NOP)
	}
	return pad
}

// Align pads with NOPs to an n-byte boundary relative to base.
func (a *Assembler) Align(base uint64, n int) {
	for (base+uint64(len(a.buf)))%uint64(n) != 0 {
		a.Emit(X86_OP_NOP)
	}
}

// Resolve patches every recorded branch. Unbound labels are an error.
func (a *Assembler) Resolve() error {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return fmt.Errorf("x86: label %d never bound", f.label)
		}
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(target-(f.at+4))))
	}
	a.fixups = a.fixups[:0]
	return nil
}
