package program

import (
	"fmt"
	"math"
)

// Assembler builds PVM code for tests and tools. Offsets are always four
// bytes and immediates use their shortest sign-extended form.
type Assembler struct {
	code   []byte
	mask   []byte
	labels map[string]uint64
	fixups []fixup
	table  []string
	last   byte
	pc     uint64 // start of the instruction being emitted
	err    error
}

type fixup struct {
	at    int
	pc    uint64
	label string
}

func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]uint64), last: TRAP}
}

func (a *Assembler) PC() uint64 { return uint64(len(a.code)) }

func (a *Assembler) fail(format string, args ...any) {
	if a.err == nil {
		a.err = fmt.Errorf("asm at %d: %s", len(a.code), fmt.Sprintf(format, args...))
	}
}

// Label names the current pc.
func (a *Assembler) Label(name string) *Assembler {
	if _, ok := a.labels[name]; ok {
		a.fail("label %q defined twice", name)
	}
	a.labels[name] = a.PC()
	return a
}

// Block starts a basic block at the current pc, closing the previous one
// with FALLTHROUGH when it did not end in a terminator.
func (a *Assembler) Block(name string) *Assembler {
	if len(a.code) > 0 && !IsBasicBlockTerminator(a.last) {
		a.Fallthrough()
	}
	return a.Label(name)
}

func (a *Assembler) emit(op byte, args ...byte) {
	a.code = append(a.code, op)
	a.mask = append(a.mask, 1)
	a.code = append(a.code, args...)
	a.mask = append(a.mask, make([]byte, len(args))...)
	a.last = op
}

// imm is the shortest encoding that XEncode maps back to v.
func (a *Assembler) imm(v uint64) []byte {
	for n := uint32(0); n <= 4; n++ {
		enc := E_l(v, n)
		if XEncode(DecodeE_l(enc), n) == v {
			return enc
		}
	}
	a.fail("immediate 0x%x needs more than four bytes", v)
	return E_l(v, 4)
}

func regs(lo, hi int) byte { return byte(lo&0x0F | hi<<4) }

func (a *Assembler) offset(label string) []byte {
	a.fixups = append(a.fixups, fixup{at: len(a.code), pc: a.pc, label: label})
	return make([]byte, 4)
}

func (a *Assembler) Trap() *Assembler        { a.emit(TRAP); return a }
func (a *Assembler) Fallthrough() *Assembler { a.emit(FALLTHROUGH); return a }

func (a *Assembler) Ecalli(index uint32) *Assembler {
	a.emit(ECALLI, a.imm(XEncode(uint64(index), 4))...)
	return a
}

func (a *Assembler) LoadImm64(r int, v uint64) *Assembler {
	a.emit(LOAD_IMM_64, append([]byte{byte(r)}, E_l(v, 8)...)...)
	return a
}

// StoreImm emits STORE_IMM_*: mem[addr] = v.
func (a *Assembler) StoreImm(op byte, addr, v uint64) *Assembler {
	x := a.imm(addr)
	args := append([]byte{byte(len(x))}, x...)
	a.emit(op, append(args, a.imm(v)...)...)
	return a
}

func (a *Assembler) Jump(label string) *Assembler {
	a.pc = a.PC()
	a.code = append(a.code, JUMP)
	a.mask = append(a.mask, 1)
	a.last = JUMP
	a.appendArgs(a.offset(label))
	return a
}

// RegImm emits JUMP_IND, LOAD_IMM, LOAD_* and STORE_*.
func (a *Assembler) RegImm(op byte, r int, v uint64) *Assembler {
	a.emit(op, append([]byte{byte(r)}, a.imm(v)...)...)
	return a
}

// RegTwoImm emits STORE_IMM_IND_*: mem[r+x] = y.
func (a *Assembler) RegTwoImm(op byte, r int, x, y uint64) *Assembler {
	xb := a.imm(x)
	args := append([]byte{byte(r&0x0F | len(xb)<<4)}, xb...)
	a.emit(op, append(args, a.imm(y)...)...)
	return a
}

// BranchImm emits LOAD_IMM_JUMP and BRANCH_*_IMM.
func (a *Assembler) BranchImm(op byte, r int, v uint64, label string) *Assembler {
	a.pc = a.PC()
	xb := a.imm(v)
	a.code = append(a.code, op)
	a.mask = append(a.mask, 1)
	a.last = op
	a.appendArgs(append([]byte{byte(r&0x0F | len(xb)<<4)}, xb...))
	a.appendArgs(a.offset(label))
	return a
}

// TwoRegs emits rD = f(rA).
func (a *Assembler) TwoRegs(op byte, d, src int) *Assembler {
	a.emit(op, regs(d, src))
	return a
}

// TwoRegsImm emits the A.5.10 format: rA = f(rB, imm), or the indirect
// loads and stores with address rB+imm.
func (a *Assembler) TwoRegsImm(op byte, ra, rb int, v uint64) *Assembler {
	a.emit(op, append([]byte{regs(ra, rb)}, a.imm(v)...)...)
	return a
}

// Branch emits BRANCH_*: if rA op rB goto label.
func (a *Assembler) Branch(op byte, ra, rb int, label string) *Assembler {
	a.pc = a.PC()
	a.code = append(a.code, op)
	a.mask = append(a.mask, 1)
	a.last = op
	a.appendArgs([]byte{regs(ra, rb)})
	a.appendArgs(a.offset(label))
	return a
}

// LoadImmJumpInd emits rA = x; djump(rB + y).
func (a *Assembler) LoadImmJumpInd(ra, rb int, x, y uint64) *Assembler {
	xb := a.imm(x)
	args := append([]byte{regs(ra, rb), byte(len(xb))}, xb...)
	a.emit(LOAD_IMM_JUMP_IND, append(args, a.imm(y)...)...)
	return a
}

// ThreeRegs emits rD = rA op rB.
func (a *Assembler) ThreeRegs(op byte, d, ra, rb int) *Assembler {
	a.emit(op, regs(ra, rb), byte(d))
	return a
}

// JumpTable appends entries; entry i is reached by a dynamic jump to
// (i+1)*2. Returns the jump address of the first new entry.
func (a *Assembler) JumpTable(labels ...string) uint64 {
	first := uint64(len(a.table)+1) * 2
	a.table = append(a.table, labels...)
	return first
}

func (a *Assembler) appendArgs(b []byte) {
	a.code = append(a.code, b...)
	a.mask = append(a.mask, make([]byte, len(b))...)
}

func (a *Assembler) resolve(label string) (uint64, error) {
	pc, ok := a.labels[label]
	if !ok {
		return 0, fmt.Errorf("asm: undefined label %q", label)
	}
	return pc, nil
}

// Core resolves labels and returns the encoded core part.
func (a *Assembler) Core() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	code := append([]byte(nil), a.code...)
	for _, f := range a.fixups {
		target, err := a.resolve(f.label)
		if err != nil {
			return nil, err
		}
		off := int64(target) - int64(f.pc)
		if off < math.MinInt32 || off > math.MaxInt32 {
			return nil, fmt.Errorf("asm: offset to %q out of range", f.label)
		}
		copy(code[f.at:], E_l(uint64(off), 4))
	}
	var j []uint32
	for _, l := range a.table {
		target, err := a.resolve(l)
		if err != nil {
			return nil, err
		}
		j = append(j, uint32(target))
	}
	z := uint8(0)
	if len(j) > 0 {
		z = 1
		for _, t := range j {
			for uint64(t) >= 1<<(8*uint64(z)) {
				z++
			}
		}
	}
	return EncodeCorePart(j, z, code, a.mask), nil
}

func (a *Assembler) Program() (*Program, error) {
	core, err := a.Core()
	if err != nil {
		return nil, err
	}
	return DecodeCorePart(core)
}

// Standard wraps the code in a standard program with the given data.
func (a *Assembler) Standard(ro, rw []byte, heapPages, stackSize uint32) ([]byte, error) {
	core, err := a.Core()
	if err != nil {
		return nil, err
	}
	return EncodeStandard(ro, rw, heapPages, stackSize, core), nil
}
