//go:build linux

package linuxuser

import (
	"io"
	"os"
	"testing"

	"github.com/colorfulnotion/dbt/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guestMemory(t *testing.T) *machine.GuestMemory {
	t.Helper()
	g, err := machine.NewGuestMemory(1 << 16)
	require.NoError(t, err)
	require.NoError(t, g.Map(0, g.Size(), machine.PermRW))
	t.Cleanup(func() { g.Close() })
	return g
}

func TestHostKernelWriteToPipe(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()

	mem := guestMemory(t)
	require.NoError(t, mem.Poke(0x100, []byte("ping")))
	k := &HostKernel{Fds: map[int]bool{int(pw.Fd()): true}}

	ret := k.Syscall(mem, SysWrite, [6]uint64{uint64(pw.Fd()), 0x100, 4})
	assert.EqualValues(t, 4, ret)
	pw.Close()
	got, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	assert.EqualValues(t, -EBADF, k.Syscall(mem, SysWrite, [6]uint64{99, 0x100, 4}))
}

func TestHostKernelIdentity(t *testing.T) {
	mem := guestMemory(t)
	k := NewHostKernel()
	assert.EqualValues(t, os.Getpid(), k.Syscall(mem, SysGetpid, [6]uint64{}))
	assert.EqualValues(t, 0, k.Syscall(mem, SysSchedYield, [6]uint64{}))
	assert.EqualValues(t, -ENOSYS, k.Syscall(mem, 9999, [6]uint64{}))
}

func TestHostKernelClock(t *testing.T) {
	mem := guestMemory(t)
	k := NewHostKernel()
	require.EqualValues(t, 0, k.Syscall(mem, SysClockGettime, [6]uint64{1, 0x200}))
	ts, err := readTimespec(mem, 0x200)
	require.NoError(t, err)
	assert.True(t, ts.valid())
	assert.True(t, ts.Sec > 0 || ts.Nsec > 0)

	require.NoError(t, writeTimespec(mem, 0x300, Timespec{Nsec: 1000}))
	assert.EqualValues(t, 0, k.Syscall(mem, SysNanosleep, [6]uint64{0x300, 0}))
	require.NoError(t, writeTimespec(mem, 0x300, Timespec{Nsec: 2e9}))
	assert.EqualValues(t, -EINVAL, k.Syscall(mem, SysNanosleep, [6]uint64{0x300, 0}))
}
