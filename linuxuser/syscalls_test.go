package linuxuser_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/engine/enginetest"
	"github.com/colorfulnotion/dbt/linuxuser"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/machine/emu"
	"github.com/colorfulnotion/dbt/safesyscall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func li(r, v int) []byte { return enginetest.Imm16(enginetest.OpLi, r, v) }

var (
	sys  = enginetest.Insn(enginetest.OpSys, 0, 0, 0)
	halt = enginetest.Insn(enginetest.OpHalt, 0, 0, 0)
)

type rig struct {
	e    *engine.Engine
	fe   *enginetest.Toy
	k    *linuxuser.FakeKernel
	sys  *linuxuser.Syscalls
	sigs *signalLog
}

type signalLog struct{ sigs []int }

func (l *signalLog) DeliverSignal(c *cpu.CPU, sig int) (bool, error) {
	l.sigs = append(l.sigs, sig)
	return false, nil
}

func newRig(t *testing.T, insns ...[]byte) *rig {
	t.Helper()
	cfg := config.Default()
	cfg.CodeBufferSize = 1 << 20
	cfg.GuestMemory = 1 << 16
	cfg.StackSize = machine.PageSize
	cfg.Capabilities = "baseline"
	cfg.MaxSteps = 1_000_000
	fe := enginetest.New(enginetest.Program(insns...))
	e, err := engine.New(cfg, fe)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	k := linuxuser.NewFakeKernel()
	return &rig{
		e:    e,
		fe:   fe,
		k:    k,
		sys:  linuxuser.New(context.Background(), k, fe, e.Guest()),
		sigs: &signalLog{},
	}
}

func (r *rig) cpu(t *testing.T) *cpu.CPU {
	t.Helper()
	c, err := r.e.NewCPU(cpu.Hooks{Syscalls: r.sys, Signals: r.sigs})
	require.NoError(t, err)
	return c
}

func run(t *testing.T, c *cpu.CPU) {
	t.Helper()
	reason, err := c.Loop(context.Background())
	require.NoError(t, err)
	require.Equal(t, cpu.ExitHalted, reason)
}

func reg(t *testing.T, c *cpu.CPU, i int) uint64 {
	t.Helper()
	v, err := c.EnvU64(enginetest.RegOff(i))
	require.NoError(t, err)
	return v
}

func TestWriteToStdout(t *testing.T) {
	r := newRig(t, li(0, linuxuser.SysWrite), li(1, 1), li(2, 0x2000), li(3, 6), sys, halt)
	require.NoError(t, r.e.WriteGuest(0x2000, []byte("hello\n")))
	c := r.cpu(t)
	run(t, c)
	assert.Equal(t, "hello\n", r.k.Stdout())
	assert.Equal(t, uint64(6), reg(t, c, 0))
	assert.Equal(t, uint64(1), r.sys.Stats().ByName["write"])
}

func TestReadFromStdin(t *testing.T) {
	r := newRig(t, li(0, linuxuser.SysRead), li(1, 0), li(2, 0x3000), li(3, 16), sys, halt)
	r.k.Stdin = []byte("abc")
	c := r.cpu(t)
	run(t, c)
	assert.Equal(t, uint64(3), reg(t, c, 0))
	got := make([]byte, 3)
	require.NoError(t, r.e.ReadGuest(0x3000, got))
	assert.Equal(t, "abc", string(got))
}

func TestGetpidAndUnknown(t *testing.T) {
	r := newRig(t,
		li(0, linuxuser.SysGetpid), sys,
		enginetest.Insn(enginetest.OpAdd, 5, 0, 6),
		li(0, 999), sys,
		halt)
	c := r.cpu(t)
	run(t, c)
	assert.Equal(t, uint64(4242), reg(t, c, 5))
	enosys := -int64(linuxuser.ENOSYS)
	assert.Equal(t, uint64(enosys), reg(t, c, 0))
	st := r.sys.Stats()
	assert.Equal(t, uint64(2), st.Calls)
	assert.Equal(t, uint64(1), st.Unknown)
}

func TestSleepAndClock(t *testing.T) {
	r := newRig(t,
		li(0, linuxuser.SysNanosleep), li(1, 0x2000), li(2, 0), sys,
		li(0, linuxuser.SysClockGettime), li(1, 1), li(2, 0x2100), sys,
		halt)
	var ts [16]byte
	binary.LittleEndian.PutUint64(ts[:], 2)
	binary.LittleEndian.PutUint64(ts[8:], 500)
	require.NoError(t, r.e.WriteGuest(0x2000, ts[:]))
	c := r.cpu(t)
	run(t, c)

	require.NoError(t, r.e.ReadGuest(0x2100, ts[:]))
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(ts[:]))
	assert.Equal(t, uint64(500), binary.LittleEndian.Uint64(ts[8:]))
}

func TestExitGroupHalts(t *testing.T) {
	r := newRig(t, li(0, linuxuser.SysExitGroup), li(1, 7), sys, li(2, 1), halt)
	r.sys.Group = r.e.CPUs
	c := r.cpu(t)
	run(t, c)
	exited, code := r.sys.Exited()
	assert.True(t, exited)
	assert.Equal(t, 7, code)
	assert.Zero(t, reg(t, c, 2), "nothing runs after exit")
	assert.Empty(t, r.k.Calls(), "exit never reaches the kernel")
}

func TestSignalBeforeSyscallInsnRestarts(t *testing.T) {
	r := newRig(t, li(0, linuxuser.SysGetpid), sys, halt)
	c := r.cpu(t)
	em, ok := c.Machine().(*emu.Emu)
	require.True(t, ok)
	em.SignalAt(safesyscall.Host().InsnAddr(), 10)

	run(t, c)
	assert.Equal(t, []int{10}, r.sigs.sigs, "the signal is delivered before the call is reissued")
	require.Len(t, r.k.Calls(), 1, "the kernel is entered exactly once")
	assert.Equal(t, uint64(4242), reg(t, c, 0))
	assert.Equal(t, uint64(1), r.sys.Stats().Restarts)
}

func TestSignalAfterSyscallInsnKeepsResult(t *testing.T) {
	r := newRig(t, li(0, linuxuser.SysGetpid), sys, halt)
	c := r.cpu(t)
	em := c.Machine().(*emu.Emu)
	em.SignalAt(safesyscall.Host().EndAddr(), 12)

	run(t, c)
	require.Len(t, r.k.Calls(), 1)
	assert.Zero(t, r.sys.Stats().Restarts)
	assert.Equal(t, uint64(4242), reg(t, c, 0))
	assert.Equal(t, []int{12}, r.sigs.sigs, "still delivered, at the next loop iteration")
}

func TestSyscallName(t *testing.T) {
	assert.Equal(t, "write", linuxuser.SyscallName(linuxuser.SysWrite))
	assert.Equal(t, "sys_999", linuxuser.SyscallName(999))
}
