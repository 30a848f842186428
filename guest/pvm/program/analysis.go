package program

import (
	"fmt"
	"io"
	"sort"
)

// ProgramStats contains statistics about a PVM program
type ProgramStats struct {
	InstructionCount   int
	BasicBlockCount    int
	JumpTableSize      int
	OpcodeDistribution map[byte]int
	Categories         map[InstructionCategory]int
}

// Analyze walks the bitmask and counts instructions, basic blocks and
// opcodes.
func (p *Program) Analyze() *ProgramStats {
	stats := &ProgramStats{
		JumpTableSize:      len(p.J),
		OpcodeDistribution: make(map[byte]int),
		Categories:         make(map[InstructionCategory]int),
	}
	for pc := range p.K {
		if p.K[pc]&KInstruction == 0 {
			continue
		}
		stats.InstructionCount++
		op := p.Code[pc]
		stats.OpcodeDistribution[op]++
		stats.Categories[GetInstructionCategory(op)]++
		if p.K[pc]&KBlockStart != 0 {
			stats.BasicBlockCount++
		}
	}
	return stats
}

func (p *Program) CountInstructions() int { return p.Analyze().InstructionCount }
func (p *Program) CountBasicBlocks() int  { return p.Analyze().BasicBlockCount }

// GetBasicBlockBoundaries returns the PC positions where each basic block starts
func (p *Program) GetBasicBlockBoundaries() []uint64 {
	var out []uint64
	for pc := range p.K {
		if p.K[pc]&KBlockStart != 0 {
			out = append(out, uint64(pc))
		}
	}
	return out
}

// InvalidJumpTargets lists the jump table entries that are not basic block
// starts. Dynamic jumps through them panic.
func (p *Program) InvalidJumpTargets() []int {
	var bad []int
	for i, target := range p.J {
		if !p.IsBlockStart(uint64(target)) {
			bad = append(bad, i)
		}
	}
	return bad
}

// Disassemble writes one line per instruction, marking basic block starts.
func (p *Program) Disassemble(w io.Writer) error {
	for _, in := range p.Instructions() {
		mark := " "
		if p.IsBlockStart(in.PC) {
			mark = ">"
		}
		if _, err := fmt.Fprintf(w, "%s%s\n", mark, in); err != nil {
			return err
		}
	}
	for i, target := range p.J {
		if _, err := fmt.Fprintf(w, "  j[%d] = %d\n", i, target); err != nil {
			return err
		}
	}
	return nil
}

// WriteStats prints the opcode histogram, most frequent first.
func (s *ProgramStats) WriteStats(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "instructions: %d\nbasic blocks: %d\njump table: %d\n",
		s.InstructionCount, s.BasicBlockCount, s.JumpTableSize); err != nil {
		return err
	}
	ops := make([]byte, 0, len(s.OpcodeDistribution))
	for op := range s.OpcodeDistribution {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		a, b := s.OpcodeDistribution[ops[i]], s.OpcodeDistribution[ops[j]]
		if a != b {
			return a > b
		}
		return ops[i] < ops[j]
	})
	for _, op := range ops {
		if _, err := fmt.Fprintf(w, "  %-22s %d\n", OpcodeToString(op), s.OpcodeDistribution[op]); err != nil {
			return err
		}
	}
	return nil
}
