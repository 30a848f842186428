package pvm_test

import (
	"context"
	"math"
	"testing"

	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/guest/pvm"
	"github.com/colorfulnotion/dbt/guest/pvm/program"
	"github.com/colorfulnotion/dbt/linuxuser"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gas = 1_000_000

func testConfig(profile string) *config.Config {
	cfg := config.Default()
	cfg.CodeBufferSize = 1 << 20
	cfg.GuestMemory = 2 << 20
	cfg.StackSize = 1 << 16
	cfg.Capabilities = profile
	cfg.MaxSteps = 10_000_000
	return cfg
}

func newEngine(t *testing.T, blob []byte, opts pvm.Options, profile string) (*engine.Engine, *pvm.Frontend) {
	t.Helper()
	fe, err := pvm.Decode(blob, opts)
	require.NoError(t, err)
	e, err := engine.New(testConfig(profile), fe)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, fe
}

func runCPU(t *testing.T, e *engine.Engine, fe *pvm.Frontend, hooks cpu.Hooks) pvm.Result {
	t.Helper()
	c, err := e.NewCPU(hooks)
	require.NoError(t, err)
	reason, err := c.Loop(context.Background())
	require.NoError(t, err)
	require.Equal(t, cpu.ExitHalted, reason)
	res, err := fe.Result(c)
	require.NoError(t, err)
	return res
}

func core(t *testing.T, a *program.Assembler) []byte {
	t.Helper()
	b, err := a.Core()
	require.NoError(t, err)
	return b
}

func run(t *testing.T, a *program.Assembler, opts pvm.Options) pvm.Result {
	t.Helper()
	e, fe := newEngine(t, core(t, a), opts, "baseline")
	return runCPU(t, e, fe, cpu.Hooks{})
}

func halt(a *program.Assembler) *program.Assembler { return a.RegImm(program.JUMP_IND, 0, 0) }

// sumLoop adds 10+9+...+1 into r2.
func sumLoop() *program.Assembler {
	a := program.NewAssembler()
	a.RegImm(program.LOAD_IMM, 1, 10).RegImm(program.LOAD_IMM, 2, 0)
	a.Block("loop").
		ThreeRegs(program.ADD_64, 2, 2, 1).
		TwoRegsImm(program.ADD_IMM_64, 1, 1, math.MaxUint64).
		BranchImm(program.BRANCH_NE_IMM, 1, 0, "loop")
	a.Block("done")
	return halt(a)
}

func TestSumLoop(t *testing.T) {
	res := run(t, sumLoop(), pvm.Options{Gas: gas})
	assert.Equal(t, pvm.HALT, res.Status)
	assert.Equal(t, uint64(55), res.Regs[2])
	assert.Zero(t, res.Regs[1])
	// three for the entry block, three per iteration, one to halt
	assert.Equal(t, int64(gas-3-30-1), res.Gas)
}

func TestShortBlocksAgree(t *testing.T) {
	full := run(t, sumLoop(), pvm.Options{Gas: gas})
	single := run(t, sumLoop(), pvm.Options{Gas: gas, MaxInsns: 1})
	assert.Equal(t, full.Regs, single.Regs)
	assert.Equal(t, full.Gas, single.Gas, "gas is charged per instruction either way")
	assert.Equal(t, full.Status, single.Status)
}

func TestOutOfGas(t *testing.T) {
	a := sumLoop()
	loop, err := a.Program()
	require.NoError(t, err)
	res := run(t, a, pvm.Options{Gas: 20})
	assert.Equal(t, pvm.OOG, res.Status)
	assert.Less(t, res.Gas, int64(0))
	assert.Equal(t, uint64(10+9+8+7+6), res.Regs[2], "five iterations fit in the budget")
	assert.True(t, loop.IsBlockStart(res.PC))
}

func TestTrapPanics(t *testing.T) {
	a := program.NewAssembler()
	a.RegImm(program.LOAD_IMM, 1, 7)
	pc := a.PC()
	a.Trap()
	res := run(t, a, pvm.Options{Gas: gas})
	assert.Equal(t, pvm.PANIC, res.Status)
	assert.Equal(t, pc, res.PC)
	assert.Equal(t, uint64(7), res.Regs[1])
}

func TestBranchIntoBlockMiddlePanics(t *testing.T) {
	a := program.NewAssembler()
	a.RegImm(program.LOAD_IMM, 1, 1)
	a.Label("mid")
	a.RegImm(program.LOAD_IMM, 2, 2)
	a.BranchImm(program.BRANCH_EQ_IMM, 1, 1, "mid")
	a.Block("end")
	halt(a)
	res := run(t, a, pvm.Options{Gas: gas})
	assert.Equal(t, pvm.PANIC, res.Status)
	assert.Equal(t, uint64(2), res.Regs[2])
}

func TestLoadsAndStores(t *testing.T) {
	ro := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	rw := make([]byte, 16)
	const roAddr, rwAddr = pvm.Z_Z, 3 * pvm.Z_Z

	a := program.NewAssembler()
	a.RegImm(program.LOAD_U64, 1, roAddr).
		RegImm(program.LOAD_I8, 2, roAddr).
		RegImm(program.STORE_U32, 1, rwAddr).
		RegImm(program.LOAD_IMM, 4, rwAddr).
		TwoRegsImm(program.LOAD_IND_U32, 3, 4, 0).
		StoreImm(program.STORE_IMM_U16, rwAddr+8, 0xbeef).
		RegTwoImm(program.STORE_IMM_IND_U8, 4, 10, 0x7f).
		RegImm(program.LOAD_U16, 5, rwAddr+8).
		TwoRegsImm(program.LOAD_IND_U8, 6, 4, 10).
		TwoRegsImm(program.LOAD_IND_I16, 7, 4, 8)
	halt(a)
	blob, err := a.Standard(ro, rw, 0, 0)
	require.NoError(t, err)

	e, fe := newEngine(t, blob, pvm.Options{Gas: gas}, "baseline")
	l := fe.Layout()
	require.Equal(t, uint64(roAddr), l.RO)
	require.Equal(t, uint64(rwAddr), l.RW)

	res := runCPU(t, e, fe, cpu.Hooks{})
	require.Equal(t, pvm.HALT, res.Status)
	assert.Equal(t, uint64(0x1122334455667788), res.Regs[1])
	assert.Equal(t, uint64(0xffffffffffffff88), res.Regs[2])
	assert.Equal(t, uint64(0x55667788), res.Regs[3])
	assert.Equal(t, uint64(0xbeef), res.Regs[5])
	assert.Equal(t, uint64(0x7f), res.Regs[6])
	assert.Equal(t, uint64(0xffffffffffffbeef), res.Regs[7])

	got := make([]byte, 4)
	require.NoError(t, e.ReadGuest(rwAddr, got))
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55}, got)
}

func TestDivisionEdgeCases(t *testing.T) {
	a := program.NewAssembler()
	a.LoadImm64(1, 1<<63).
		LoadImm64(2, math.MaxUint64).
		RegImm(program.LOAD_IMM, 3, 0).
		RegImm(program.LOAD_IMM, 4, 7).
		LoadImm64(10, 0x80000000).
		ThreeRegs(program.DIV_S_64, 5, 1, 2).
		ThreeRegs(program.DIV_U_64, 6, 4, 3).
		ThreeRegs(program.REM_U_64, 7, 4, 3).
		ThreeRegs(program.REM_S_64, 8, 1, 2).
		ThreeRegs(program.DIV_S_32, 11, 10, 2).
		ThreeRegs(program.DIV_U_32, 12, 4, 3).
		ThreeRegs(program.REM_S_32, 9, 4, 3)
	halt(a)
	for _, profile := range []string{"baseline", "full"} {
		e, fe := newEngine(t, core(t, a), pvm.Options{Gas: gas}, profile)
		res := runCPU(t, e, fe, cpu.Hooks{})
		require.Equal(t, pvm.HALT, res.Status, profile)
		assert.Equal(t, uint64(1<<63), res.Regs[5], "%s: MIN / -1", profile)
		assert.Equal(t, uint64(math.MaxUint64), res.Regs[6], "%s: x / 0", profile)
		assert.Equal(t, uint64(7), res.Regs[7], "%s: x %% 0", profile)
		assert.Zero(t, res.Regs[8], "%s: MIN %% -1", profile)
		assert.Equal(t, uint64(0xffffffff80000000), res.Regs[11], profile)
		assert.Equal(t, uint64(math.MaxUint64), res.Regs[12], profile)
		assert.Equal(t, uint64(7), res.Regs[9], profile)
	}
}

func mulHi(a, b uint64) uint64 {
	p := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	return new(uint256.Int).Rsh(p, 64).Uint64()
}

func TestMulUpper(t *testing.T) {
	pairs := [][2]uint64{
		{0xfedcba9876543210, 0x0123456789abcdef},
		{0xffffffffffffff00, 0x7fffffffffffffff},
		{1 << 63, 1 << 63},
		{3, math.MaxUint64},
	}
	for _, p := range pairs {
		x, y := p[0], p[1]
		a := program.NewAssembler()
		a.LoadImm64(1, x).LoadImm64(2, y).
			ThreeRegs(program.MUL_UPPER_U_U, 3, 1, 2).
			ThreeRegs(program.MUL_UPPER_S_S, 4, 1, 2).
			ThreeRegs(program.MUL_UPPER_S_U, 5, 1, 2).
			ThreeRegs(program.MUL_64, 6, 1, 2)
		halt(a)
		res := run(t, a, pvm.Options{Gas: gas})
		require.Equal(t, pvm.HALT, res.Status)

		hu := mulHi(x, y)
		hs, hsu := hu, hu
		if int64(x) < 0 {
			hs -= y
			hsu -= y
		}
		if int64(y) < 0 {
			hs -= x
		}
		assert.Equal(t, hu, res.Regs[3], "mulhu %x %x", x, y)
		assert.Equal(t, hs, res.Regs[4], "mulhs %x %x", x, y)
		assert.Equal(t, hsu, res.Regs[5], "mulhsu %x %x", x, y)
		assert.Equal(t, x*y, res.Regs[6])
	}
}

func TestBitOps(t *testing.T) {
	a := program.NewAssembler()
	a.LoadImm64(1, 0x00f0000000000100).
		TwoRegs(program.COUNT_SET_BITS_64, 2, 1).
		TwoRegs(program.LEADING_ZERO_BITS_64, 3, 1).
		TwoRegs(program.TRAILING_ZERO_BITS_32, 4, 1).
		TwoRegs(program.LEADING_ZERO_BITS_32, 5, 1).
		TwoRegs(program.REVERSE_BYTES, 6, 1).
		TwoRegs(program.SIGN_EXTEND_16, 7, 1).
		RegImm(program.LOAD_IMM, 8, 0).
		TwoRegs(program.TRAILING_ZERO_BITS_64, 9, 8).
		ThreeRegs(program.XNOR, 10, 1, 1).
		TwoRegsImm(program.ROT_R_64_IMM, 11, 1, 8).
		TwoRegsImm(program.SHLO_L_IMM_32, 12, 1, 23)
	halt(a)
	res := run(t, a, pvm.Options{Gas: gas})
	require.Equal(t, pvm.HALT, res.Status)
	assert.Equal(t, uint64(5), res.Regs[2])
	assert.Equal(t, uint64(8), res.Regs[3])
	assert.Equal(t, uint64(8), res.Regs[4])
	assert.Equal(t, uint64(23), res.Regs[5])
	assert.Equal(t, uint64(0x000100000000f000), res.Regs[6])
	assert.Equal(t, uint64(0x100), res.Regs[7])
	assert.Equal(t, uint64(64), res.Regs[9])
	assert.Equal(t, uint64(math.MaxUint64), res.Regs[10])
	assert.Equal(t, uint64(0x0000f00000000001), res.Regs[11])
	assert.Equal(t, uint64(0xffffffff80000000), res.Regs[12])
}

func TestSetAndSelect(t *testing.T) {
	a := program.NewAssembler()
	a.LoadImm64(1, math.MaxUint64).
		RegImm(program.LOAD_IMM, 2, 5).
		ThreeRegs(program.SET_LT_U, 3, 2, 1).
		ThreeRegs(program.SET_LT_S, 4, 2, 1).
		ThreeRegs(program.MAX, 5, 1, 2).
		ThreeRegs(program.MIN_U, 6, 1, 2).
		TwoRegsImm(program.NEG_ADD_IMM_64, 7, 2, 2).
		RegImm(program.LOAD_IMM, 8, 0).
		RegImm(program.LOAD_IMM, 9, 0).
		TwoRegsImm(program.CMOV_IZ_IMM, 8, 9, 42).
		RegImm(program.LOAD_IMM, 10, 3).
		ThreeRegs(program.CMOV_NZ, 10, 2, 9).
		TwoRegsImm(program.SHLO_L_IMM_ALT_64, 11, 2, 1)
	halt(a)
	res := run(t, a, pvm.Options{Gas: gas})
	require.Equal(t, pvm.HALT, res.Status)
	assert.Equal(t, uint64(1), res.Regs[3])
	assert.Zero(t, res.Regs[4])
	assert.Equal(t, uint64(5), res.Regs[5])
	assert.Equal(t, uint64(5), res.Regs[6])
	assert.Equal(t, uint64(math.MaxUint64-2), res.Regs[7], "2 - 5")
	assert.Equal(t, uint64(42), res.Regs[8])
	assert.Equal(t, uint64(3), res.Regs[10], "r9 is zero so r10 keeps its value")
	assert.Equal(t, uint64(32), res.Regs[11], "1 << 5")
}

func TestDynamicJump(t *testing.T) {
	a := program.NewAssembler()
	first := a.JumpTable("one", "two")
	a.RegImm(program.LOAD_IMM, 1, first+pvm.Z_A).
		RegImm(program.JUMP_IND, 1, 0)
	a.Block("one")
	a.RegImm(program.LOAD_IMM, 2, 1)
	halt(a)
	a.Block("two")
	a.RegImm(program.LOAD_IMM, 2, 2).
		LoadImmJumpInd(3, 0, 9, 0)
	res := run(t, a, pvm.Options{Gas: gas})
	assert.Equal(t, pvm.HALT, res.Status)
	assert.Equal(t, uint64(2), res.Regs[2])
	assert.Equal(t, uint64(9), res.Regs[3])

	for _, target := range []uint64{0, first + 1, first + 10*pvm.Z_A} {
		a := program.NewAssembler()
		a.JumpTable("t")
		a.RegImm(program.LOAD_IMM, 1, target).RegImm(program.JUMP_IND, 1, 0)
		a.Block("t")
		halt(a)
		res := run(t, a, pvm.Options{Gas: gas})
		assert.Equal(t, pvm.PANIC, res.Status, "jump to %d", target)
	}
}

func TestPageFaults(t *testing.T) {
	a := program.NewAssembler()
	a.RegImm(program.LOAD_U8, 1, 0x100)
	halt(a)
	res := run(t, a, pvm.Options{Gas: gas})
	assert.Equal(t, pvm.PANIC, res.Status, "the first zone is never accessible")

	a = program.NewAssembler()
	a.RegImm(program.STORE_U8, 1, pvm.Z_Z+0x10)
	halt(a)
	blob, err := a.Standard([]byte{1, 2, 3}, nil, 0, 0)
	require.NoError(t, err)
	e, fe := newEngine(t, blob, pvm.Options{Gas: gas}, "baseline")
	res = runCPU(t, e, fe, cpu.Hooks{})
	assert.Equal(t, pvm.FAULT, res.Status, "read-only data")
	assert.Equal(t, uint64(pvm.Z_Z), res.FaultAddr)

	a = program.NewAssembler()
	a.LoadImm64(2, 0xfff00000).TwoRegsImm(program.LOAD_IND_U8, 1, 2, 0x10)
	halt(a)
	res = run(t, a, pvm.Options{Gas: gas})
	assert.Equal(t, pvm.FAULT, res.Status, "above guest memory")
	assert.Equal(t, uint64(0xfff00000), res.FaultAddr)
}

func TestSbrk(t *testing.T) {
	a := program.NewAssembler()
	a.RegImm(program.LOAD_IMM, 1, 0).
		TwoRegs(program.SBRK, 2, 1).
		RegImm(program.LOAD_IMM, 1, 5000).
		TwoRegs(program.SBRK, 3, 1).
		RegImm(program.LOAD_IMM, 1, 0).
		TwoRegs(program.SBRK, 4, 1).
		RegImm(program.LOAD_IMM, 1, 5000).
		TwoRegsImm(program.STORE_IND_U8, 1, 3, 4999).
		TwoRegsImm(program.LOAD_IND_U8, 5, 3, 4999)
	halt(a)
	e, fe := newEngine(t, core(t, a), pvm.Options{Gas: gas}, "baseline")
	heap := fe.Layout().Heap
	res := runCPU(t, e, fe, cpu.Hooks{})
	require.Equal(t, pvm.HALT, res.Status)
	assert.Equal(t, heap, res.Regs[2])
	assert.Equal(t, heap, res.Regs[3])
	assert.Equal(t, heap+5000, res.Regs[4])
	assert.Equal(t, uint64(5000&0xff), res.Regs[5])
	assert.Equal(t, heap+5000, fe.HeapPointer())
}

func TestEcalliWrite(t *testing.T) {
	msg := []byte("hello\n")
	a := program.NewAssembler()
	a.RegImm(program.LOAD_IMM, 7, 1).
		RegImm(program.LOAD_IMM, 8, 2*pvm.Z_Z).
		RegImm(program.LOAD_IMM, 9, uint64(len(msg))).
		Ecalli(linuxuser.SysWrite).
		ThreeRegs(program.ADD_64, 10, 7, 7)
	halt(a)
	blob, err := a.Standard(nil, msg, 0, 0)
	require.NoError(t, err)
	e, fe := newEngine(t, blob, pvm.Options{Gas: gas}, "baseline")
	k := linuxuser.NewFakeKernel()
	sys := linuxuser.New(context.Background(), k, fe, e.Guest())
	res := runCPU(t, e, fe, cpu.Hooks{Syscalls: sys})
	require.Equal(t, pvm.HALT, res.Status)
	assert.Equal(t, "hello\n", k.Stdout())
	assert.Equal(t, uint64(len(msg)), res.Regs[7])
	assert.Equal(t, uint64(2*len(msg)), res.Regs[10])
	assert.Equal(t, uint64(1), sys.Stats().ByName["write"])
}

func TestInitialRegisters(t *testing.T) {
	args := []byte("input")
	a := program.NewAssembler()
	a.TwoRegsImm(program.LOAD_IND_U8, 2, 7, 0)
	halt(a)
	e, fe := newEngine(t, core(t, a), pvm.Options{Gas: gas, Args: args, MinStack: 1 << 14}, "baseline")
	res := runCPU(t, e, fe, cpu.Hooks{})
	l := fe.Layout()
	require.Equal(t, pvm.HALT, res.Status)
	assert.Equal(t, uint64(pvm.HaltAddr), res.Regs[0])
	assert.Equal(t, l.StackTop, res.Regs[1])
	assert.Equal(t, l.Args, res.Regs[7])
	assert.Equal(t, uint64(len(args)), res.Regs[8])
	assert.Equal(t, uint64('i'), res.Regs[2])
	assert.GreaterOrEqual(t, l.StackTop-l.StackBase, uint64(1<<14))
	assert.Less(t, l.HeapLimit, l.StackBase)
}

func TestProfilesAgree(t *testing.T) {
	var results []pvm.Result
	for _, profile := range []string{"baseline", "full"} {
		e, fe := newEngine(t, core(t, sumLoop()), pvm.Options{Gas: gas}, profile)
		results = append(results, runCPU(t, e, fe, cpu.Hooks{}))
	}
	assert.Equal(t, results[0], results[1])
}

func TestImageTooLarge(t *testing.T) {
	a := program.NewAssembler()
	halt(a)
	blob, err := a.Standard(nil, nil, 0, 4<<20)
	require.NoError(t, err)
	fe, err := pvm.Decode(blob, pvm.Options{Gas: gas})
	require.NoError(t, err)
	_, err = engine.New(testConfig("baseline"), fe)
	assert.Error(t, err)
}
