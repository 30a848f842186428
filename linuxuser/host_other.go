//go:build !linux

package linuxuser

// HostKernel has no host calls off Linux.
type HostKernel struct {
	Fds map[int]bool
}

func NewHostKernel() *HostKernel { return &HostKernel{} }

func (k *HostKernel) Syscall(mem Memory, nr uint64, a [6]uint64) int64 { return -ENOSYS }
