package emu

import (
	"context"
	"math"
	"testing"

	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/x86"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func program(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newEmu(t *testing.T, guest *machine.GuestMemory, code []byte) *Emu {
	t.Helper()
	e := New()
	require.NoError(t, machine.Setup(e, guest, nil))
	require.NoError(t, e.Map(machine.CodeBase, 0x10000, machine.PermRX))
	require.NoError(t, e.Write(machine.CodeBase, code))
	return e
}

func run(t *testing.T, e *Emu, args ...uint64) machine.Stop {
	t.Helper()
	stop, err := e.Run(context.Background(), machine.CodeBase, args...)
	require.NoError(t, err)
	return stop
}

func TestArithmeticAndReturn(t *testing.T) {
	code := program(
		x86.EmitMovRegToReg64(x86.RAX, x86.RDI),
		x86.EmitAddReg64(x86.RAX, x86.RSI),
		x86.EmitAluRegImm(x86.X86_REG_SUB, true, x86.RAX, 3),
		x86.EmitRet(),
	)
	e := newEmu(t, nil, code)
	stop := run(t, e, 40, 5)
	assert.Equal(t, machine.StopReturned, stop.Reason)
	assert.Equal(t, uint64(42), stop.Value)
}

func TestThirtyTwoBitWritesZeroExtend(t *testing.T) {
	code := program(
		x86.EmitMovImmToReg64(x86.RAX, math.MaxUint64),
		x86.EmitMovRegToReg32(x86.RAX, x86.RDI),
		x86.EmitRet(),
	)
	stop := run(t, newEmu(t, nil, code), 0xffff_ffff_8000_0001)
	assert.Equal(t, uint64(0x8000_0001), stop.Value)
}

func TestCompareConditions(t *testing.T) {
	vals := []uint64{0, 1, 2, 0x7fff_ffff_ffff_ffff, 0x8000_0000_0000_0000, math.MaxUint64}
	conds := map[x86.Cond]func(a, b uint64) bool{
		x86.CondE:  func(a, b uint64) bool { return a == b },
		x86.CondNE: func(a, b uint64) bool { return a != b },
		x86.CondB:  func(a, b uint64) bool { return a < b },
		x86.CondAE: func(a, b uint64) bool { return a >= b },
		x86.CondBE: func(a, b uint64) bool { return a <= b },
		x86.CondA:  func(a, b uint64) bool { return a > b },
		x86.CondL:  func(a, b uint64) bool { return int64(a) < int64(b) },
		x86.CondGE: func(a, b uint64) bool { return int64(a) >= int64(b) },
		x86.CondLE: func(a, b uint64) bool { return int64(a) <= int64(b) },
		x86.CondG:  func(a, b uint64) bool { return int64(a) > int64(b) },
	}
	for cc, want := range conds {
		code := program(
			x86.EmitXorReg64(x86.RAX, x86.RAX),
			x86.EmitCmpReg64(x86.RDI, x86.RSI),
			x86.EmitSetcc(cc, x86.RAX),
			x86.EmitRet(),
		)
		e := newEmu(t, nil, code)
		for _, a := range vals {
			for _, b := range vals {
				stop := run(t, e, a, b)
				assert.Equal(t, want(a, b), stop.Value == 1, "cond %x a=%x b=%x", cc, a, b)
			}
		}
	}
}

func TestDivideFaults(t *testing.T) {
	code := program(
		x86.EmitMovRegToReg64(x86.RAX, x86.RDI),
		x86.EmitCqo(true),
		x86.EmitUnary(x86.X86_REG_IDIV, true, x86.RSI),
		x86.EmitRet(),
	)
	e := newEmu(t, nil, code)
	stop := run(t, e, uint64(math.MaxUint64-6), 2) // -7 / 2
	assert.Equal(t, uint64(math.MaxUint64-2), stop.Value)

	stop = run(t, e, 1, 0)
	require.Equal(t, machine.StopFault, stop.Reason)
	assert.Equal(t, machine.FaultDivide, stop.Fault.Kind)

	stop = run(t, e, 1<<63, math.MaxUint64)
	require.Equal(t, machine.StopFault, stop.Reason)
	assert.Equal(t, machine.FaultDivide, stop.Fault.Kind)
}

func TestHelperCallClobbersCallerSaved(t *testing.T) {
	code := program(
		x86.EmitMovImmToReg64(x86.RBX, 77),
		x86.EmitMovImmToReg64(x86.RCX, 99),
		x86.EmitMovAbs(x86.RAX, machine.HelperBase+32),
		x86.EmitCallReg(x86.RAX),
		x86.EmitAddReg64(x86.RAX, x86.RBX),
		x86.EmitRet(),
	)
	e := newEmu(t, nil, code)
	var gotAddr, gotArg uint64
	e.SetHandlers(machine.Handlers{Helper: func(addr uint64, regs *machine.Regs) (uint64, bool, error) {
		gotAddr, gotArg = addr, regs.Get(x86.RDI)
		return 1000, false, nil
	}})
	stop := run(t, e, 5)
	assert.Equal(t, uint64(1077), stop.Value)
	assert.Equal(t, machine.HelperBase+32, gotAddr)
	assert.Equal(t, uint64(5), gotArg)
	assert.NotEqual(t, uint64(99), e.Reg(x86.RCX))
	assert.Equal(t, uint64(77), e.Reg(x86.RBX))
}

func TestHelperUnwind(t *testing.T) {
	code := program(
		x86.EmitMovAbs(x86.RAX, machine.HelperBase),
		x86.EmitCallReg(x86.RAX),
		x86.EmitTrap(),
	)
	e := newEmu(t, nil, code)
	e.SetHandlers(machine.Handlers{Helper: func(uint64, *machine.Regs) (uint64, bool, error) {
		return 0, true, nil
	}})
	assert.Equal(t, machine.StopUnwound, run(t, e).Reason)
}

func TestSyscallHandler(t *testing.T) {
	code := program(
		x86.EmitMovImmToReg64(x86.RAX, 39),
		x86.EmitSyscall(),
		x86.EmitRet(),
	)
	e := newEmu(t, nil, code)
	e.SetHandlers(machine.Handlers{Syscall: func(regs *machine.Regs) {
		if regs.Get(x86.RAX) == 39 {
			regs.Set(x86.RAX, 4242)
		}
	}})
	assert.Equal(t, uint64(4242), run(t, e).Value)
}

func TestSignalAtRedirectsPC(t *testing.T) {
	first := program(x86.EmitMovImmToReg64(x86.RAX, 1))
	code := program(
		first,
		x86.EmitMovImmToReg64(x86.RAX, 2),
		x86.EmitRet(),
		x86.EmitMovImmToReg64(x86.RAX, 3),
		x86.EmitRet(),
	)
	alt := machine.CodeBase + uint64(len(first)) + 5 + 1
	e := newEmu(t, nil, code)
	var seen []int
	e.SetHandlers(machine.Handlers{Signal: func(sc *machine.SignalContext) {
		seen = append(seen, sc.Sig)
		sc.Regs.PC = alt
	}})
	e.SignalAt(machine.CodeBase+uint64(len(first)), 10)
	assert.Equal(t, uint64(3), run(t, e).Value)
	assert.Equal(t, []int{10}, seen)

	// one shot
	assert.Equal(t, uint64(2), run(t, e).Value)
}

func TestCodePageWriteRetries(t *testing.T) {
	g, err := machine.NewGuestMemory(16 * machine.PageSize)
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.Map(0, 16*machine.PageSize, machine.PermRW))
	require.True(t, g.SetCode(0x2000))

	code := program(
		x86.EmitMovAbs(x86.R15, machine.GuestBase),
		x86.EmitStore(8, x86.RDI, x86.BaseDisp(x86.R15, 0x2008)),
		x86.EmitLoad(8, false, x86.RAX, x86.BaseDisp(x86.R15, 0x2008)),
		x86.EmitRet(),
	)
	e := newEmu(t, g, code)
	var faults int
	e.SetHandlers(machine.Handlers{Fault: func(f *machine.Fault) bool {
		faults++
		if f.Kind != machine.FaultCodeWrite {
			return false
		}
		g.ClearCode((f.Addr - machine.GuestBase) >> machine.PageBits)
		return true
	}})
	stop := run(t, e, 0x1234)
	assert.Equal(t, machine.StopReturned, stop.Reason)
	assert.Equal(t, uint64(0x1234), stop.Value)
	assert.Equal(t, 1, faults)
	assert.False(t, g.IsCode(0x2000))
}

func TestWatchStopsBeforeAccess(t *testing.T) {
	g, err := machine.NewGuestMemory(4 * machine.PageSize)
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.Map(0, 4*machine.PageSize, machine.PermRW))

	code := program(
		x86.EmitMovAbs(x86.R15, machine.GuestBase),
		x86.EmitStore(4, x86.RDI, x86.BaseDisp(x86.R15, 0x100)),
		x86.EmitRet(),
	)
	e := newEmu(t, g, code)
	e.SetWatch([]machine.WatchRange{{Start: machine.GuestBase + 0x102, End: machine.GuestBase + 0x103, Write: true}})
	stop := run(t, e, 7)
	require.Equal(t, machine.StopWatch, stop.Reason)
	assert.True(t, stop.Fault.Write)
	var buf [4]byte
	require.NoError(t, g.Peek(0x100, buf[:]))
	assert.Equal(t, [4]byte{}, buf)

	e.SetWatch(nil)
	assert.Equal(t, machine.StopReturned, run(t, e, 7).Reason)
}

func TestUnmappedGuestAccess(t *testing.T) {
	g, err := machine.NewGuestMemory(4 * machine.PageSize)
	require.NoError(t, err)
	defer g.Close()
	code := program(
		x86.EmitMovAbs(x86.R15, machine.GuestBase),
		x86.EmitLoad(4, false, x86.RAX, x86.BaseDisp(x86.R15, 0x10)),
		x86.EmitRet(),
	)
	stop := run(t, newEmu(t, g, code))
	require.Equal(t, machine.StopFault, stop.Reason)
	assert.Equal(t, machine.FaultUnmapped, stop.Fault.Kind)
	assert.Equal(t, machine.GuestBase+0x10, stop.Fault.Addr)
	assert.Equal(t, machine.CodeBase+10, stop.PC)
}

func TestStepLimit(t *testing.T) {
	code := x86.EmitJmpRel32(-5)
	e := newEmu(t, nil, code)
	e.MaxSteps = 100
	stop := run(t, e)
	assert.Equal(t, machine.StopLimit, stop.Reason)
	assert.Equal(t, uint64(100), e.Steps())
}

func TestBitCountsAndRotates(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		arg  uint64
		want uint64
	}{
		{"popcnt", x86.EmitBitCount(x86.X86_OP2_POPCNT, true, x86.RAX, x86.RDI), 0xf0f0, 8},
		{"lzcnt32", x86.EmitBitCount(x86.X86_OP2_LZCNT, false, x86.RAX, x86.RDI), 1, 31},
		{"tzcnt64 zero", x86.EmitBitCount(x86.X86_OP2_TZCNT, true, x86.RAX, x86.RDI), 0, 64},
		{"bswap64", program(x86.EmitMovRegToReg64(x86.RAX, x86.RDI), x86.EmitBswap(true, x86.RAX)), 0x0102030405060708, 0x0807060504030201},
		{"rol32", program(x86.EmitMovRegToReg64(x86.RAX, x86.RDI), x86.EmitShiftImm(x86.X86_REG_ROL, false, x86.RAX, 4)), 0xf000_0001, 0x0000_001f},
		{"sar64", program(x86.EmitMovRegToReg64(x86.RAX, x86.RDI), x86.EmitShiftImm(x86.X86_REG_SAR, true, x86.RAX, 60)), 1 << 63, math.MaxUint64 - 7},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stop := run(t, newEmu(t, nil, program(c.code, x86.EmitRet())), c.arg)
			assert.Equal(t, c.want, stop.Value)
		})
	}
}
