// Package safesyscall issues guest system calls so that a signal arriving
// before the syscall instruction turns into a restart instead of a lost or
// doubled call.
//
// The critical section is hand-assembled and installed at a fixed address in
// every machine. The signal handler calls Rewind with the interrupted pc:
// anywhere up to and including the syscall instruction is moved to the
// restart stub, which returns -ErrnoRestart without entering the kernel.
// Past the syscall instruction the kernel result stands.
package safesyscall

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
)

// ErrnoRestart is the host's internal restart errno. Call returns it negated.
const ErrnoRestart = 512

const MaxArgs = 6

// Descriptor locates the fixed landmarks of one architecture's section.
type Descriptor struct {
	Arch string
	Code []byte
	// Offsets from the install address.
	Start   int
	Insn    int
	End     int
	Restart int
}

// Entry is called with rdi = &pending (int32) and rsi = &{nr, a1..a6}.
var x86_64 = Descriptor{
	Arch: "x86_64",
	Code: []byte{
		0x49, 0x89, 0xfb,                         // 0:  mov r11, rdi
		0x48, 0x8b, 0x06,                         // 3:  mov rax, [rsi]
		0x48, 0x8b, 0x7e, 0x08,                   // 6:  mov rdi, [rsi+8]
		0x48, 0x8b, 0x56, 0x18,                   // 10: mov rdx, [rsi+24]
		0x4c, 0x8b, 0x56, 0x20,                   // 14: mov r10, [rsi+32]
		0x4c, 0x8b, 0x46, 0x28,                   // 18: mov r8, [rsi+40]
		0x4c, 0x8b, 0x4e, 0x30,                   // 22: mov r9, [rsi+48]
		0x48, 0x8b, 0x76, 0x10,                   // 26: mov rsi, [rsi+16]
		0x41, 0x83, 0x3b, 0x00,                   // 30: start: cmp dword [r11], 0
		0x75, 0x03,                               // 34: jne restart
		0x0f, 0x05,                               // 36: insn: syscall
		0xc3,                                     // 38: end: ret
		0x48, 0xc7, 0xc0, 0x00, 0xfe, 0xff, 0xff, // 39: restart: mov rax, -512
		0xc3,                                     // 46: ret
	},
	Start:   30,
	Insn:    36,
	End:     38,
	Restart: 39,
}

// Host is the descriptor for the machine generated code runs on.
func Host() Descriptor { return x86_64 }

func (d Descriptor) addr(off int) uint64 { return machine.SafeSyscallBase + uint64(off) }

func (d Descriptor) EntryAddr() uint64   { return machine.SafeSyscallBase }
func (d Descriptor) StartAddr() uint64   { return d.addr(d.Start) }
func (d Descriptor) InsnAddr() uint64    { return d.addr(d.Insn) }
func (d Descriptor) EndAddr() uint64     { return d.addr(d.End) }
func (d Descriptor) RestartAddr() uint64 { return d.addr(d.Restart) }

// Rewind maps an interrupted pc to where execution must resume. Inside the
// section and at or before the syscall instruction, the call is abandoned.
func (d Descriptor) Rewind(pc uint64) (uint64, bool) {
	if pc >= d.StartAddr() && pc <= d.InsnAddr() {
		return d.RestartAddr(), true
	}
	return pc, false
}

// Rewind applies the host descriptor.
func Rewind(pc uint64) (uint64, bool) { return x86_64.Rewind(pc) }

// Install writes the section into m at its fixed address.
func Install(m machine.Machine) error {
	d := Host()
	if err := m.Write(d.EntryAddr(), d.Code); err != nil {
		return fmt.Errorf("safesyscall: install: %w", err)
	}
	m.CodeChanged(d.EntryAddr(), len(d.Code))
	return nil
}

// SetPending raises or clears the signal-pending flag the section checks.
func SetPending(m machine.Machine, pending bool) error {
	var b [4]byte
	if pending {
		b[0] = 1
	}
	return m.Write(machine.EnvBase+machine.EnvSignalPending, b[:])
}

func Pending(m machine.Machine) (bool, error) {
	var b [4]byte
	if err := m.Read(machine.EnvBase+machine.EnvSignalPending, b[:]); err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint32(b[:]) != 0, nil
}

// Call issues syscall nr through the section on m, which must not be
// running. The result is the kernel's raw return value; -ErrnoRestart
// comes with ErrRestartSyscall and means the kernel was never entered.
func Call(ctx context.Context, m machine.Machine, nr uint64, args ...uint64) (int64, error) {
	if len(args) > MaxArgs {
		return 0, fmt.Errorf("safesyscall: %d arguments, at most %d", len(args), MaxArgs)
	}
	var block [8 * (MaxArgs + 1)]byte
	binary.LittleEndian.PutUint64(block[:], nr)
	for i, a := range args {
		binary.LittleEndian.PutUint64(block[8*(i+1):], a)
	}
	argAddr := machine.EnvBase + uint64(machine.EnvSyscallArgs)
	if err := m.Write(argAddr, block[:]); err != nil {
		return 0, err
	}
	d := Host()
	stop, err := m.Run(ctx, d.EntryAddr(), machine.EnvBase+machine.EnvSignalPending, argAddr)
	if err != nil {
		return 0, err
	}
	if stop.Reason != machine.StopReturned {
		return 0, fmt.Errorf("safesyscall: nr %d stopped: %s at 0x%x", nr, stop.Reason, stop.PC)
	}
	ret := int64(stop.Value)
	if ret == -ErrnoRestart {
		log.Trace(log.Syscall, "restart", "nr", nr)
		return ret, dbterrors.ErrRestartSyscall
	}
	return ret, nil
}
