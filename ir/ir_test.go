package ir

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type memState struct {
	env   []byte
	guest map[uint64]byte
	calls []string
}

func newMemState() *memState { return &memState{env: make([]byte, 256), guest: map[uint64]byte{}} }

func (m *memState) LoadGuest(addr uint64, size int) (uint64, error) {
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(m.guest[addr+uint64(i)])
	}
	return v, nil
}

func (m *memState) StoreGuest(addr uint64, size int, v uint64) error {
	for i := 0; i < size; i++ {
		m.guest[addr+uint64(i)] = byte(v >> (8 * i))
	}
	return nil
}

func (m *memState) Env() []byte { return m.env }

func (m *memState) CallHelper(name string, args []uint64) (uint64, bool, error) {
	m.calls = append(m.calls, name)
	if name == "raise" {
		return 0, true, nil
	}
	return args[0] * 3, false, nil
}

func TestDivisionIsTotal(t *testing.T) {
	const min64 = uint64(1) << 63
	cases := []struct {
		code Opcode
		typ  Type
		a, b uint64
		want uint64
	}{
		{OpDivu, I64, 7, 0, math.MaxUint64},
		{OpRemu, I64, 7, 0, 7},
		{OpDivs, I64, min64, math.MaxUint64, min64},
		{OpRems, I64, min64, math.MaxUint64, 0},
		{OpDivs, I64, uint64(^uint64(6)), 2, uint64(^uint64(2))}, // -7/2 = -3
		{OpRems, I64, uint64(^uint64(6)), 2, math.MaxUint64},     // -7%2 = -1
		{OpDivu, I32, 7, 0, math.MaxUint32},
		{OpDivs, I32, 0x80000000, 0xFFFFFFFF, 0x80000000},
		{OpRems, I32, 0x80000000, 0xFFFFFFFF, 0},
		{OpDivs, I32, 0xFFFFFFF9, 2, 0xFFFFFFFD},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Eval2(c.code, c.typ, c.a, c.b), "%s_%s(%#x, %#x)", c.code, c.typ, c.a, c.b)
	}
}

func TestMulHighMatchesWideProduct(t *testing.T) {
	vals := []uint64{0, 1, 2, 0x7FFFFFFFFFFFFFFF, 1 << 63, math.MaxUint64, 0xDEADBEEFCAFEBABE, 12345}
	for _, a := range vals {
		for _, b := range vals {
			p := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
			hi := new(uint256.Int).Rsh(p, 64).Uint64()
			require.Equal(t, hi, Eval2(OpMulhu, I64, a, b))

			// signed: subtract the sign corrections from the unsigned product
			shi := hi
			if int64(a) < 0 {
				shi -= b
			}
			if int64(b) < 0 {
				shi -= a
			}
			require.Equal(t, shi, Eval2(OpMulhs, I64, a, b))
		}
	}
	require.Equal(t, uint64(0xFFFFFFFF), Eval2(OpMulhs, I32, 0xFFFFFFFF, 1))
	require.Equal(t, uint64(0xFFFFFFFF), Eval2(OpMulhsu, I32, 0xFFFFFFFF, 1))
	require.Equal(t, uint64(0), Eval2(OpMulhu, I32, 0xFFFFFFFF, 1))
}

func TestShiftsMaskCount(t *testing.T) {
	require.Equal(t, uint64(2), Eval2(OpShl, I64, 1, 65))
	require.Equal(t, uint64(2), Eval2(OpShl, I32, 1, 33))
	require.Equal(t, uint64(0xFFFFFFFF), Eval2(OpSar, I32, 0x80000000, 31))
	require.Equal(t, uint64(1), Eval2(OpShr, I32, 0xFFFFFFFF80000000, 31))
	require.Equal(t, uint64(0x80000000), Eval2(OpRotr, I32, 1, 1))
	require.Equal(t, uint64(1), Eval2(OpRotl, I64, 1<<63, 1))
}

func TestUnaryOps(t *testing.T) {
	require.Equal(t, uint64(32), Eval1(OpClz, I32, 0))
	require.Equal(t, uint64(64), Eval1(OpCtz, I64, 0))
	require.Equal(t, uint64(31), Eval1(OpClz, I32, 0xFFFFFFFF00000001))
	require.Equal(t, uint64(2), Eval1(OpCtpop, I32, 0x1_0000_0003))
	require.Equal(t, uint64(0x0807060504030201), Eval1(OpBswap, I64, 0x0102030405060708))
	require.Equal(t, uint64(math.MaxUint64), Eval1(OpExt8s, I64, 0x80|0xFF))
	require.Equal(t, uint64(0xFFFFFF80), Eval1(OpExt8s, I32, 0x80))
	require.Equal(t, uint64(0xFFFFFFFF80000000), Eval1(OpExt32s, I64, 0x80000000))
	s, c := AddCarry(I32, 0xFFFFFFFF, 1)
	require.Equal(t, uint64(0), s)
	require.Equal(t, uint64(1), c)
}

func TestValidate(t *testing.T) {
	u := NewUnit(0x1000, 0, 0)
	a := u.NewTemp(I64)
	u.Movi(a, 1)
	require.ErrorIs(t, u.Validate(), dbterrors.ErrBadIR, "no exit")

	u.ExitTB(-1)
	require.NoError(t, u.Validate())

	bad := NewUnit(0, 0, 0)
	x32 := bad.NewTemp(I32)
	x64 := bad.NewTemp(I64)
	bad.Binary(OpAdd, x64, x64, x32)
	bad.ExitTB(-1)
	require.ErrorIs(t, bad.Validate(), dbterrors.ErrBadIR)

	lbl := NewUnit(0, 0, 0)
	l := lbl.NewLabel()
	lbl.Br(l)
	lbl.ExitTB(-1)
	require.ErrorIs(t, lbl.Validate(), dbterrors.ErrBadIR, "unbound label")

	slots := NewUnit(0, 0, 0)
	slots.GotoTB(0)
	slots.ExitException(1)
	require.ErrorIs(t, slots.Validate(), dbterrors.ErrBadIR, "goto_tb without exit_tb")

	konst := NewUnit(0, 0, 0)
	k := konst.Const(I64, 4)
	konst.Movi(k, 5)
	konst.ExitTB(-1)
	require.ErrorIs(t, konst.Validate(), dbterrors.ErrBadIR, "write to constant")
}

func TestInterpretLoop(t *testing.T) {
	// r0 = sum of 1..r1, stored to guest memory at 0x100
	u := NewUnit(0x2000, 0, 0)
	r0 := u.Global(I64, "r0", 0)
	r1 := u.Global(I64, "r1", 8)
	require.Equal(t, r0, u.Global(I64, "r0", 0))
	one := u.Const(I64, 1)
	zero := u.Const(I64, 0)
	top := u.NewLabel()
	done := u.NewLabel()
	u.Movi(r0, 0)
	u.SetLabel(top)
	u.Brcond(CondEQ, r1, zero, done)
	u.Binary(OpAdd, r0, r0, r1)
	u.Binary(OpSub, r1, r1, one)
	u.Br(top)
	u.SetLabel(done)
	u.Store(8, r0, u.Const(I64, 0x100))
	u.GotoTB(0)
	u.ExitTB(0)

	st := newMemState()
	binary.LittleEndian.PutUint64(st.env[8:], 10)
	exit, err := Interpret(u, st)
	require.NoError(t, err)
	require.Equal(t, Exit{Kind: ExitTB, Slot: 0}, exit)
	require.Equal(t, uint64(55), binary.LittleEndian.Uint64(st.env[0:]))
	v, _ := st.LoadGuest(0x100, 8)
	require.Equal(t, uint64(55), v)
	require.Contains(t, u.String(), "brcond_i64 r1, $0x0, eq, $L1")
}

func TestInterpretCallsAndExits(t *testing.T) {
	u := NewUnit(0, 0, 0)
	out := u.NewTemp(I64)
	u.Call("triple", out, u.Const(I64, 5))
	u.StoreEnv(out, 16)
	u.Call("raise", NoTemp)
	st := newMemState()
	exit, err := Interpret(u, st)
	require.NoError(t, err)
	require.Equal(t, ExitNoReturn, exit.Kind)
	require.Equal(t, uint64(15), binary.LittleEndian.Uint64(st.env[16:]))
	require.Equal(t, []string{"triple", "raise"}, st.calls)
}

func TestGvecAdd(t *testing.T) {
	env := make([]byte, 64)
	for i := 0; i < 16; i++ {
		env[16+i] = byte(0xF0 + i)
		env[32+i] = 0x20
	}
	GvecAdd(env, 8, 16, 0, 16, 32)
	for i := 0; i < 16; i++ {
		require.Equal(t, byte(0xF0+i+0x20), env[i], fmt.Sprint(i))
	}
	GvecAdd(env, 64, 16, 48, 16, 32)
	require.Equal(t, binary.LittleEndian.Uint64(env[16:])+binary.LittleEndian.Uint64(env[32:]), binary.LittleEndian.Uint64(env[48:]))
}
