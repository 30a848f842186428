package program

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNaturalEncoding(t *testing.T) {
	cases := []struct {
		x   uint64
		enc []byte
	}{
		{0, []byte{0}},
		{127, []byte{127}},
		{128, []byte{0x80, 0x80}},
		{0x3fff, []byte{0xbf, 0xff}},
		{1 << 14, []byte{0xc0, 0x00, 0x40}},
		{math.MaxUint64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, c := range cases {
		assert.Equal(t, c.enc, E(c.x), "E(%d)", c.x)
		x, n, err := DecodeE(c.enc)
		require.NoError(t, err)
		assert.Equal(t, c.x, x)
		assert.Equal(t, uint32(len(c.enc)), n)
	}
	for _, x := range []uint64{1 << 21, 1<<28 + 5, 1 << 35, 1<<49 - 1, 1 << 56, 1 << 63} {
		got, n, err := DecodeE(E(x))
		require.NoError(t, err)
		assert.Equal(t, x, got)
		assert.Equal(t, uint32(len(E(x))), n)
	}
	_, _, err := DecodeE([]byte{0xc0, 0x01})
	assert.Error(t, err)
}

func TestExtractors(t *testing.T) {
	ra, rb, imm := ExtractTwoRegsOneImm([]byte{0x21, 0xff})
	assert.Equal(t, 1, ra)
	assert.Equal(t, 2, rb)
	assert.Equal(t, uint64(math.MaxUint64), imm)

	ra, rb, rd := ExtractThreeRegs([]byte{0x21, 0x03})
	assert.Equal(t, []int{1, 2, 3}, []int{ra, rb, rd})

	d, a := ExtractTwoRegisters([]byte{0xff})
	assert.Equal(t, 12, d, "register indices clamp to 12")
	assert.Equal(t, 12, a)

	assert.Equal(t, int64(-2), ExtractOneOffset([]byte{0xfe, 0xff, 0xff, 0xff}))

	x, y := ExtractTwoImm([]byte{0x01, 0x10, 0x05})
	assert.Equal(t, uint64(0x10), x)
	assert.Equal(t, uint64(5), y)

	r, v := ExtractOneRegOneImm([]byte{0x03})
	assert.Equal(t, 3, r)
	assert.Zero(t, v, "a missing immediate reads as zero")

	r, v, off := ExtractOneRegOneImmOneOffset([]byte{0x12, 0x80, 0x04})
	assert.Equal(t, 2, r)
	assert.Equal(t, uint64(0xffffffffffffff80), v)
	assert.Equal(t, int64(4), off)

	r, v = ExtractOneRegExtImm(append([]byte{0x05}, E_l(0x1122334455667788, 8)...))
	assert.Equal(t, 5, r)
	assert.Equal(t, uint64(0x1122334455667788), v)

	assert.Equal(t, uint64(0x7f), XEncode(0x7f, 1))
	assert.Equal(t, uint64(0xffffffffffff8000), XEncode(0x8000, 2))
}

func smallProgram(t *testing.T) *Program {
	t.Helper()
	a := NewAssembler()
	a.RegImm(LOAD_IMM, 0, 5)
	a.Jump("end")
	a.Label("end")
	a.Trap()
	p, err := a.Program()
	require.NoError(t, err)
	return p
}

func TestBitmaskAndBlocks(t *testing.T) {
	p := smallProgram(t)
	require.Len(t, p.Code, 9)
	assert.Equal(t, uint64(2), p.Skip(0))
	assert.Equal(t, uint64(3), p.Next(0))
	assert.Equal(t, uint64(8), p.Next(3))
	assert.True(t, p.IsBlockStart(0))
	assert.False(t, p.IsBlockStart(3))
	assert.True(t, p.IsBlockStart(8))
	assert.False(t, p.IsInstruction(4))

	jump := p.Fetch(p.Code, 3)
	assert.Equal(t, byte(JUMP), jump.Opcode)
	assert.Equal(t, int64(5), ExtractOneOffset(jump.Args))

	past := p.Fetch(p.Code, 100)
	assert.Equal(t, byte(TRAP), past.Opcode)

	assert.Equal(t, []uint64{0, 8}, p.GetBasicBlockBoundaries())
}

func TestAnalyze(t *testing.T) {
	p := smallProgram(t)
	stats := p.Analyze()
	assert.Equal(t, 3, stats.InstructionCount)
	assert.Equal(t, 2, stats.BasicBlockCount)
	assert.Equal(t, 1, stats.OpcodeDistribution[JUMP])
	assert.Equal(t, 2, stats.Categories[CategoryControlFlow])

	var out bytes.Buffer
	require.NoError(t, stats.WriteStats(&out))
	assert.Contains(t, out.String(), "LOAD_IMM")

	out.Reset()
	require.NoError(t, p.Disassemble(&out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], ">"))
	assert.Contains(t, lines[1], "JUMP")
}

func TestJumpTable(t *testing.T) {
	a := NewAssembler()
	addr := a.JumpTable("a", "b")
	a.Trap()
	a.Label("a").Trap()
	a.Label("b").Trap()
	p, err := a.Program()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), addr)
	assert.Equal(t, []uint32{1, 2}, p.J)
	assert.Equal(t, uint8(1), p.Z)
	assert.Empty(t, p.InvalidJumpTargets())
}

func TestUndefinedLabel(t *testing.T) {
	a := NewAssembler()
	a.Jump("nowhere")
	_, err := a.Program()
	assert.ErrorContains(t, err, "nowhere")
}

func TestStandardRoundTrip(t *testing.T) {
	a := NewAssembler()
	a.RegImm(LOAD_IMM, 7, 1).Trap()
	blob, err := a.Standard([]byte("ro"), []byte("rw data"), 3, 8192)
	require.NoError(t, err)

	img, err := DecodeStandard(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("ro"), img.RO)
	assert.Equal(t, []byte("rw data"), img.RW)
	assert.Equal(t, uint32(3), img.HeapPages)
	assert.Equal(t, uint32(8192), img.StackSize)
	assert.Equal(t, 2, img.Program.CountInstructions())

	_, err = DecodeStandard(blob[:len(blob)-1])
	assert.ErrorIs(t, err, dbterrors.ErrBadImage)

	core, err := a.Core()
	require.NoError(t, err)
	img, err = Decode(core)
	require.NoError(t, err)
	assert.Nil(t, img.RO)
	assert.Equal(t, 2, img.Program.CountInstructions())
}

func TestCorePartRejectsBadSizes(t *testing.T) {
	_, err := DecodeCorePart([]byte{0x00, 0x00, 0x05, 0x00})
	assert.ErrorIs(t, err, dbterrors.ErrBadImage)
	_, err = DecodeCorePart(nil)
	assert.ErrorIs(t, err, dbterrors.ErrBadImage)
	_, err = DecodeCorePart([]byte{0x01, 0x09, 0x00})
	assert.ErrorIs(t, err, dbterrors.ErrBadImage)
}

func TestOpcodeTable(t *testing.T) {
	assert.Equal(t, "ADD_64", OpcodeToString(ADD_64))
	assert.Equal(t, "UNKNOWN", OpcodeToString(255))
	assert.False(t, Valid(255))
	assert.True(t, IsBasicBlockTerminator(255), "undefined opcodes trap")
	assert.True(t, IsBasicBlockTerminator(BRANCH_EQ))
	assert.False(t, IsBasicBlockTerminator(ECALLI))
	assert.Equal(t, FormatThreeRegs, FormatOf(MIN_U))
	assert.True(t, IsMemoryInstruction(LOAD_IND_U64))
}
