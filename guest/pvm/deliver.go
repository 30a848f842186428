package pvm

import (
	"fmt"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/log"
)

var excpStatus = map[int]Status{
	ExcpPanic:    PANIC,
	ExcpOutOfGas: OOG,
	ExcpFault:    FAULT,
	ExcpHalt:     HALT,
}

func (f *Frontend) stop(c *cpu.CPU, st Status, faultAddr uint64) (bool, error) {
	if err := c.SetEnvU64(FaultAddrOff, faultAddr); err != nil {
		return false, err
	}
	if err := c.SetEnvU64(StatusOff, uint64(st)); err != nil {
		return false, err
	}
	pc, _ := c.PC()
	log.Debug(log.PVM, "stop", "cpu", c.Index(), "status", st, "pc", pc, "addr", faultAddr)
	return true, nil
}

// DeliverException ends the run with the status the exception stands for.
func (f *Frontend) DeliverException(c *cpu.CPU, excp int) (bool, error) {
	st, ok := excpStatus[excp]
	if !ok {
		return false, fmt.Errorf("pvm: exception 0x%x: %w", excp, dbterrors.ErrGuestFault)
	}
	var addr uint64
	if st == FAULT {
		a, err := c.EnvU64(FaultAddrOff)
		if err != nil {
			return false, err
		}
		addr = alignDown(a, Z_P)
	}
	return f.stop(c, st, addr)
}

// DeliverFault turns an inaccessible page into FAULT, or PANIC when the
// address lies in the reserved first zone.
func (f *Frontend) DeliverFault(c *cpu.CPU, gf *cpu.GuestFault) (bool, error) {
	if gf.Addr < Z_Z {
		return f.stop(c, PANIC, 0)
	}
	return f.stop(c, FAULT, alignDown(gf.Addr, Z_P))
}

// Result is the machine state after a run.
type Result struct {
	Status    Status
	PC        uint64
	Gas       int64
	FaultAddr uint64
	Regs      [NumRegs]uint64
}

func (r Result) String() string {
	return fmt.Sprintf("%s pc=%d gas=%d fault=0x%x regs=%v", r.Status, r.PC, r.Gas, r.FaultAddr, r.Regs)
}

// Result reads the registers and status of c.
func (f *Frontend) Result(c *cpu.CPU) (Result, error) {
	var r Result
	var err error
	for i := range r.Regs {
		if r.Regs[i], err = c.EnvU64(RegOff(i)); err != nil {
			return r, err
		}
	}
	st, err := c.EnvU64(StatusOff)
	if err != nil {
		return r, err
	}
	gas, err := c.EnvU64(GasOff)
	if err != nil {
		return r, err
	}
	if r.FaultAddr, err = c.EnvU64(FaultAddrOff); err != nil {
		return r, err
	}
	if r.PC, err = c.PC(); err != nil {
		return r, err
	}
	r.Status, r.Gas = Status(st), int64(gas)
	return r, nil
}

// SyscallArgs takes the number from the ECALLI immediate and arguments
// from r7..r12.
func (f *Frontend) SyscallArgs(c *cpu.CPU) (nr uint64, args [6]uint64, err error) {
	if nr, err = c.EnvU64(HostCallOff); err != nil {
		return 0, args, err
	}
	for i := range args {
		if args[i], err = c.EnvU64(RegOff(7 + i)); err != nil {
			return 0, args, err
		}
	}
	return nr, args, nil
}

// SetSyscallReturn puts the result in r7.
func (f *Frontend) SetSyscallReturn(c *cpu.CPU, ret int64) error {
	return c.SetEnvU64(RegOff(7), uint64(ret))
}
