// Package program decodes PVM program blobs: the standard program header
// with its data segments, and the core part holding the jump table, the
// code and the instruction bitmask.
package program

import (
	"fmt"

	"github.com/colorfulnotion/dbt/dbterrors"
)

// Bitmask flags kept per code byte in Program.K.
const (
	KInstruction = 1 // an instruction starts here
	KBlockStart  = 2 // the instruction starts a basic block
)

// MaxSkip bounds the operand length of one instruction.
const MaxSkip = 24

type Program struct {
	JSize uint64
	Z     uint8
	CSize uint64
	J     []uint32
	Code  []byte
	K     []byte
}

func badImage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dbterrors.ErrBadImage, fmt.Sprintf(format, args...))
}

// DecodeCorePart reads E(|j|) ++ E_1(z) ++ E(|c|) ++ j ++ c ++ k.
func DecodeCorePart(p []byte) (*Program, error) {
	jSize, n, err := DecodeE(p)
	if err != nil {
		return nil, badImage("jump table size: %v", err)
	}
	p = p[n:]
	if len(p) < 1 {
		return nil, badImage("missing jump table entry size")
	}
	z := p[0]
	p = p[1:]
	cSize, n, err := DecodeE(p)
	if err != nil {
		return nil, badImage("code size: %v", err)
	}
	p = p[n:]
	if z > 4 || (jSize > 0 && z == 0) {
		return nil, badImage("jump table entry size %d", z)
	}
	jLen := jSize * uint64(z)
	kLen := (cSize + 7) / 8
	if uint64(len(p)) != jLen+cSize+kLen {
		return nil, badImage("core part is %d bytes, header says %d", len(p), jLen+cSize+kLen)
	}

	j := make([]uint32, jSize)
	for i := range j {
		off := uint64(i) * uint64(z)
		j[i] = uint32(DecodeE_l(p[off : off+uint64(z)]))
	}
	code := p[jLen : jLen+cSize]
	prog := &Program{
		JSize: jSize,
		Z:     z,
		CSize: cSize,
		J:     j,
		Code:  code,
		K:     expandBits(p[jLen+cSize:], uint32(cSize)),
	}
	prog.markBlocks()
	return prog, nil
}

// EncodeCorePart is the inverse of DecodeCorePart. bitmask holds one
// entry per code byte; any nonzero value marks an instruction start.
func EncodeCorePart(j []uint32, z uint8, code, bitmask []byte) []byte {
	out := E(uint64(len(j)))
	out = append(out, z)
	out = append(out, E(uint64(len(code)))...)
	for _, e := range j {
		out = append(out, E_l(uint64(e), uint32(z))...)
	}
	out = append(out, code...)
	return append(out, compressBits(bitmask, len(code))...)
}

func expandBits(kBytes []byte, cSize uint32) []byte {
	k := make([]byte, cSize)
	for i := range k {
		k[i] = kBytes[i/8] >> (i % 8) & 1
	}
	return k
}

func compressBits(bitmask []byte, n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n && i < len(bitmask); i++ {
		if bitmask[i] != 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// markBlocks flags basic block starts: pc 0 and every instruction that
// follows a terminator.
func (p *Program) markBlocks() {
	if len(p.K) == 0 {
		return
	}
	if p.K[0]&KInstruction != 0 {
		p.K[0] |= KBlockStart
	}
	for pc := uint64(0); pc < uint64(len(p.Code)); pc++ {
		if p.K[pc]&KInstruction == 0 || !IsBasicBlockTerminator(p.Code[pc]) {
			continue
		}
		next := p.Next(pc)
		if next < uint64(len(p.K)) && p.K[next]&KInstruction != 0 {
			p.K[next] |= KBlockStart
		}
	}
}

// IsInstruction reports whether an instruction starts at pc.
func (p *Program) IsInstruction(pc uint64) bool {
	return pc < uint64(len(p.K)) && p.K[pc]&KInstruction != 0
}

// IsBlockStart reports whether pc is a valid branch target.
func (p *Program) IsBlockStart(pc uint64) bool {
	return pc < uint64(len(p.K)) && p.K[pc]&KBlockStart != 0
}

// Skip is the operand length of the instruction at pc: the distance to the
// next bitmask bit, which is taken as set past the end of the code.
func (p *Program) Skip(pc uint64) uint64 {
	for i := uint64(1); i <= MaxSkip; i++ {
		if pc+i >= uint64(len(p.K)) || p.K[pc+i]&KInstruction != 0 {
			return i - 1
		}
	}
	return MaxSkip
}

func (p *Program) Next(pc uint64) uint64 { return pc + 1 + p.Skip(pc) }

// Instruction is one decoded instruction. Args is zero padded past the
// end of the code.
type Instruction struct {
	PC     uint64
	Opcode byte
	Args   []byte
}

func (in Instruction) Next() uint64 { return in.PC + 1 + uint64(len(in.Args)) }

func (in Instruction) String() string {
	return fmt.Sprintf("%5d: %-22s % x", in.PC, OpcodeToString(in.Opcode), in.Args)
}

// Fetch decodes the instruction at pc from code, which holds the bytes of
// the program starting at pc 0. Past the end of the code every fetch is a
// trap.
func (p *Program) Fetch(code []byte, pc uint64) Instruction {
	in := Instruction{PC: pc, Opcode: TRAP}
	if pc >= uint64(len(code)) {
		return in
	}
	in.Opcode = code[pc]
	in.Args = make([]byte, p.Skip(pc))
	if pc+1 < uint64(len(code)) {
		copy(in.Args, code[pc+1:])
	}
	return in
}

// Instructions lists every instruction in program order.
func (p *Program) Instructions() []Instruction {
	var out []Instruction
	for pc := uint64(0); pc < uint64(len(p.Code)); pc++ {
		if p.IsInstruction(pc) {
			out = append(out, p.Fetch(p.Code, pc))
		}
	}
	return out
}
