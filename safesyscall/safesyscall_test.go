package safesyscall

import (
	"context"
	"testing"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/machine/emu"
	"github.com/colorfulnotion/dbt/x86"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

type kernelCall struct {
	nr   uint64
	args [6]uint64
}

type rig struct {
	m       *emu.Emu
	calls   []kernelCall
	signals []uint64
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{m: emu.New()}
	r.m.MaxSteps = 1000
	require.NoError(t, machine.Setup(r.m, nil, nil))
	require.NoError(t, Install(r.m))
	r.m.SetHandlers(machine.Handlers{
		Syscall: func(regs *machine.Regs) {
			c := kernelCall{nr: regs.Get(x86.RAX)}
			for i, reg := range []x86.Reg{x86.RDI, x86.RSI, x86.RDX, x86.R10, x86.R8, x86.R9} {
				c.args[i] = regs.Get(reg)
			}
			r.calls = append(r.calls, c)
			regs.Set(x86.RAX, 1000+c.nr)
		},
		Signal: func(sc *machine.SignalContext) {
			r.signals = append(r.signals, sc.Regs.PC)
			require.NoError(t, SetPending(r.m, true))
			if pc, ok := Rewind(sc.Regs.PC); ok {
				sc.Regs.PC = pc
			}
		},
	})
	return r
}

// boundaries decodes the straight-line path through the section.
func boundaries(t *testing.T, d Descriptor) []int {
	var out []int
	for off := 0; off < d.Restart; {
		inst, err := x86asm.Decode(d.Code[off:], 64)
		require.NoError(t, err, "offset %d", off)
		out = append(out, off)
		off += inst.Len
	}
	return out
}

func TestDescriptorLandmarks(t *testing.T) {
	d := Host()
	at := func(off int) x86asm.Inst {
		inst, err := x86asm.Decode(d.Code[off:], 64)
		require.NoError(t, err)
		return inst
	}
	assert.Equal(t, x86asm.CMP, at(d.Start).Op)
	assert.Equal(t, x86asm.SYSCALL, at(d.Insn).Op)
	assert.Equal(t, d.Insn+2, d.End)
	assert.Equal(t, x86asm.RET, at(d.End).Op)
	mov := at(d.Restart)
	assert.Equal(t, x86asm.MOV, mov.Op)
	assert.Equal(t, x86asm.Imm(-ErrnoRestart), mov.Args[1])
	assert.Contains(t, boundaries(t, d), d.Insn)
	assert.Less(t, d.Restart+mov.Len, len(d.Code))
}

func TestRewind(t *testing.T) {
	d := Host()
	for off := 0; off < len(d.Code); off++ {
		pc := d.EntryAddr() + uint64(off)
		got, ok := d.Rewind(pc)
		if off >= d.Start && off <= d.Insn {
			assert.True(t, ok, "offset %d", off)
			assert.Equal(t, d.RestartAddr(), got)
		} else {
			assert.False(t, ok, "offset %d", off)
			assert.Equal(t, pc, got)
		}
	}
	_, ok := Rewind(machine.CodeBase)
	assert.False(t, ok)
}

func TestCallPassesArguments(t *testing.T) {
	r := newRig(t)
	ret, err := Call(context.Background(), r.m, 7, 1, 2, 3, 4, 5, 6)
	require.NoError(t, err)
	assert.EqualValues(t, 1007, ret)
	require.Len(t, r.calls, 1)
	assert.Equal(t, kernelCall{nr: 7, args: [6]uint64{1, 2, 3, 4, 5, 6}}, r.calls[0])

	_, err = Call(context.Background(), r.m, 1, 1, 2, 3, 4, 5, 6, 7)
	assert.Error(t, err)
}

func TestSignalAtSyscallInsnRestarts(t *testing.T) {
	r := newRig(t)
	d := Host()
	r.m.SignalAt(d.InsnAddr(), 10)
	ret, err := Call(context.Background(), r.m, 3, 9)
	require.ErrorIs(t, err, dbterrors.ErrRestartSyscall)
	assert.EqualValues(t, -ErrnoRestart, ret)
	assert.Empty(t, r.calls, "the kernel must not be entered")
	assert.Equal(t, []uint64{d.InsnAddr()}, r.signals)

	require.NoError(t, SetPending(r.m, false))
	ret, err = Call(context.Background(), r.m, 3, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 1003, ret)
	require.Len(t, r.calls, 1)
	assert.Equal(t, uint64(9), r.calls[0].args[0])
}

func TestSignalAtEveryBoundary(t *testing.T) {
	d := Host()
	for _, off := range append(boundaries(t, d), d.End) {
		r := newRig(t)
		r.m.SignalAt(d.EntryAddr()+uint64(off), 2)
		ret, err := Call(context.Background(), r.m, 5)
		require.Len(t, r.signals, 1, "offset %d", off)

		restarted := err != nil
		genuine := len(r.calls) == 1
		assert.True(t, restarted != genuine, "offset %d: exactly one outcome", off)
		if off <= d.Insn {
			require.ErrorIs(t, err, dbterrors.ErrRestartSyscall, "offset %d", off)
			assert.EqualValues(t, -ErrnoRestart, ret)
			assert.Empty(t, r.calls, "offset %d", off)
		} else {
			require.NoError(t, err)
			assert.EqualValues(t, 1005, ret)
			assert.Len(t, r.calls, 1)
		}
		pending, err := Pending(r.m)
		require.NoError(t, err)
		assert.True(t, pending, "the guest signal is still owed")
	}
}

func TestPendingBeforeCallRestarts(t *testing.T) {
	r := newRig(t)
	require.NoError(t, SetPending(r.m, true))
	_, err := Call(context.Background(), r.m, 1)
	require.ErrorIs(t, err, dbterrors.ErrRestartSyscall)
	assert.Empty(t, r.calls)
	assert.Empty(t, r.signals)
}
