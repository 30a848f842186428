package x86

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders code as if loaded at base.
func Disassemble(code []byte, base uint64) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%08x: db 0x%02x\n", base+uint64(offset), code[offset]))
			offset++
			continue
		}
		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf("0x%08x: %-30s %s\n", base+uint64(offset), strings.Join(hexBytes, " "), inst.String()))
		offset += inst.Len
	}
	return sb.String()
}

// Ops decodes code and returns the opcode of every instruction.
func Ops(code []byte) ([]x86asm.Op, error) {
	var ops []x86asm.Op
	for offset := 0; offset < len(code); {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			return ops, fmt.Errorf("x86: decode at %d: %w", offset, err)
		}
		ops = append(ops, inst.Op)
		offset += inst.Len
	}
	return ops, nil
}
