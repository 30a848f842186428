package engine_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/engine/enginetest"
	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.CodeBufferSize = 1 << 20
	cfg.GuestMemory = 1 << 16
	cfg.StackSize = machine.PageSize
	cfg.Capabilities = "baseline"
	cfg.MaxSteps = 1_000_000
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, code []byte) (*engine.Engine, *enginetest.Toy) {
	t.Helper()
	toy := enginetest.New(code)
	e, err := engine.New(cfg, toy)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, toy
}

func reg(t *testing.T, c *cpu.CPU, i int) uint64 {
	t.Helper()
	v, err := c.EnvU64(enginetest.RegOff(i))
	require.NoError(t, err)
	return v
}

// sumProgram adds 10+9+...+1 into r2.
func sumProgram() []byte {
	return enginetest.Program(
		enginetest.Imm16(enginetest.OpLi, 1, 10),
		enginetest.Imm16(enginetest.OpLi, 2, 0),
		enginetest.Insn(enginetest.OpAdd, 2, 2, 1),
		enginetest.Insn(enginetest.OpAddi, 1, 1, 0xff),
		enginetest.Imm16(enginetest.OpBnz, 1, -8),
		enginetest.Insn(enginetest.OpHalt, 0, 0, 0),
	)
}

func TestRunToHalt(t *testing.T) {
	for _, chaining := range []bool{true, false} {
		cfg := testConfig()
		cfg.Chaining = chaining
		e, _ := newEngine(t, cfg, sumProgram())
		c, err := e.NewCPU(cpu.Hooks{})
		require.NoError(t, err)

		reason, err := c.Loop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cpu.ExitHalted, reason)
		assert.Equal(t, uint64(55), reg(t, c, 2))
		pc, err := c.PC()
		require.NoError(t, err)
		assert.Equal(t, uint64(enginetest.Origin+20), pc)

		st := e.Cache().Stats()
		if chaining {
			assert.NotZero(t, st.Chains, "the loop body chains to itself")
			assert.Less(t, c.Stats().Blocks, uint64(10), "chained iterations stay in generated code")
		} else {
			assert.Zero(t, st.Chains)
			assert.GreaterOrEqual(t, c.Stats().Blocks, uint64(10))
		}
	}
}

func TestBaselineAndFullAgree(t *testing.T) {
	var results []uint64
	for _, profile := range []string{"baseline", "full"} {
		cfg := testConfig()
		cfg.Capabilities = profile
		e, _ := newEngine(t, cfg, sumProgram())
		c, err := e.NewCPU(cpu.Hooks{})
		require.NoError(t, err)
		_, err = c.Loop(context.Background())
		require.NoError(t, err)
		results = append(results, reg(t, c, 2))
	}
	assert.Equal(t, results[0], results[1])
}

// straightLine runs n two-instruction blocks, each adding one to r2.
func straightLine(n int) []byte {
	var insns [][]byte
	for i := 0; i < n; i++ {
		insns = append(insns,
			enginetest.Insn(enginetest.OpAddi, 2, 2, 1),
			enginetest.Imm16(enginetest.OpJmp, 0, 4))
	}
	insns = append(insns, enginetest.Insn(enginetest.OpHalt, 0, 0, 0))
	return enginetest.Program(insns...)
}

func TestCodeBufferExhaustionFlushesAndCompletes(t *testing.T) {
	cfg := testConfig()
	cfg.CodeBufferSize = config.MinCodeBufferSize
	e, _ := newEngine(t, cfg, straightLine(200))
	c, err := e.NewCPU(cpu.Hooks{})
	require.NoError(t, err)

	reason, err := c.Loop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cpu.ExitHalted, reason)
	assert.Equal(t, uint64(200), reg(t, c, 2))

	st := e.Cache().Stats()
	assert.NotZero(t, st.Flushes)
	assert.Equal(t, st.Flushes, st.Generation)
	assert.LessOrEqual(t, st.CodeUsed, st.CodeCap)
	assert.Equal(t, e.Buffer().Base(), e.Frame().Base, "the prologue is rewritten at the start of the buffer")
}

func TestWriteGuestInvalidates(t *testing.T) {
	prog := enginetest.Program(
		enginetest.Imm16(enginetest.OpLi, 2, 1),
		enginetest.Insn(enginetest.OpHalt, 0, 0, 0),
	)
	e, toy := newEngine(t, testConfig(), prog)
	c, err := e.NewCPU(cpu.Hooks{})
	require.NoError(t, err)
	_, err = c.Loop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reg(t, c, 2))
	decoded := toy.Decoded()

	require.NoError(t, e.WriteGuest(enginetest.Origin, enginetest.Imm16(enginetest.OpLi, 2, 2)))
	assert.NotZero(t, e.Cache().Stats().Invalidations)
	assert.Zero(t, e.Cache().Len())

	require.NoError(t, c.SetPC(enginetest.Origin))
	c.Wake()
	_, err = c.Loop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reg(t, c, 2))
	assert.Greater(t, toy.Decoded(), decoded)

	var b [4]byte
	require.NoError(t, e.ReadGuest(enginetest.Origin, b[:]))
	assert.Equal(t, enginetest.Imm16(enginetest.OpLi, 2, 2), b[:])
}

func TestRunAll(t *testing.T) {
	e, _ := newEngine(t, testConfig(), sumProgram())
	for i := 0; i < 3; i++ {
		_, err := e.NewCPU(cpu.Hooks{})
		require.NoError(t, err)
	}
	results, err := e.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.CPU)
		assert.Equal(t, cpu.ExitHalted, r.Reason)
		assert.NoError(t, r.Err)
	}
	for _, c := range e.CPUs() {
		assert.Equal(t, uint64(55), reg(t, c, 2))
		assert.Equal(t, uint64(c.Index()), reg(t, c, 7))
	}
	assert.Len(t, e.Stats().CPUs, 3)
}

func TestRunAllStopsOnError(t *testing.T) {
	prog := enginetest.Program(enginetest.Insn(0xee, 0, 0, 0))
	e, _ := newEngine(t, testConfig(), prog)
	_, err := e.NewCPU(cpu.Hooks{})
	require.NoError(t, err)
	results, err := e.RunAll(context.Background())
	require.ErrorIs(t, err, dbterrors.ErrUndecodable)
	assert.Equal(t, cpu.ExitError, results[0].Reason)
}

type badHelpers struct {
	*enginetest.Toy
	impl any
}

func (b badHelpers) Helpers() (*helper.Table, map[string]any) {
	t := helper.MustTable(helper.Def("toy_double", helper.NoGlobalWrite, helper.U64, helper.U64))
	if b.impl == nil {
		return t, nil
	}
	return t, map[string]any{"toy_double": b.impl}
}

func TestHelperMismatchFailsAtStartup(t *testing.T) {
	_, err := engine.New(testConfig(), badHelpers{Toy: enginetest.New(nil), impl: func(a uint32) uint32 { return 2 * a }})
	require.ErrorIs(t, err, dbterrors.ErrTypeMismatch)

	_, err = engine.New(testConfig(), badHelpers{Toy: enginetest.New(nil)})
	require.ErrorIs(t, err, dbterrors.ErrMissingHelper)

	e, err := engine.New(testConfig(), badHelpers{Toy: enginetest.New(nil), impl: func(a uint64) uint64 { return 2 * a }})
	require.NoError(t, err)
	defer e.Close()
	res, err := e.Helpers().Call("toy_double", nil, []uint64{21})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.Value)
}

func TestBadConfigRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Capabilities = "sparkly"
	_, err := engine.New(cfg, enginetest.New(nil))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Machine = "abacus"
	_, err = engine.New(cfg, enginetest.New(nil))
	assert.Error(t, err)
}

func TestCapabilityOverrideForcesHelper(t *testing.T) {
	cfg := testConfig()
	cfg.Capabilities = "full"
	cfg.Overrides = map[string]string{"divide-64": "unsupported"}
	e, _ := newEngine(t, cfg, nil)
	assert.Equal(t, "unsupported", e.Capabilities().Lookup("divide-64").String())
}

func TestGuestMemoryLoaded(t *testing.T) {
	e, _ := newEngine(t, testConfig(), sumProgram())
	var b [8]byte
	require.NoError(t, e.ReadGuest(enginetest.Origin, b[:]))
	assert.Equal(t, uint16(10), binary.LittleEndian.Uint16(b[2:]))
}
