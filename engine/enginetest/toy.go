// Package enginetest provides a small guest architecture for exercising the
// engine and the vCPU loop in tests.
//
// Toy instructions are four bytes: opcode, a, b, c. Registers r0..r7 live
// in env; code sits in guest memory at its pc, so guest stores can modify it.
package enginetest

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/tb"
)

const (
	OpLi     = 0x01 // ra = b | c<<8
	OpAdd    = 0x02 // ra = rb + rc
	OpAddi   = 0x03 // ra = rb + int8(c)
	OpLoad   = 0x04 // ra = mem64[rb]
	OpStore  = 0x05 // mem64[rb] = ra
	OpBnz    = 0x06 // if ra != 0: pc += int16(b | c<<8)
	OpJmp    = 0x07 // pc += int16(b | c<<8)
	OpJr     = 0x08 // pc = ra
	OpHalt   = 0x09
	OpSys    = 0x0a // syscall, r0 = number
	OpCas    = 0x0b // ra = cmpxchg64([rb], ra, rc)
	OpTrap   = 0x0c
	OpBrk    = 0x0d
	OpYield  = 0x0e
	OpSub    = 0x0f // ra = rb - rc
	OpStore4 = 0x10 // mem32[rb] = ra
)

const (
	Origin  = 0x1000
	InsnLen = 4
	NumRegs = 8

	// ExcpTrap is raised by OpTrap.
	ExcpTrap = 1

	defaultMaxInsns = 64
)

func RegOff(i int) int32 { return int32(machine.EnvGuest + 8*i) }

func Insn(op byte, a, b, c int) []byte {
	return []byte{op, byte(a), byte(b), byte(c)}
}

// Imm16 encodes a 16-bit immediate into the b and c fields.
func Imm16(op byte, a int, imm int) []byte {
	return []byte{op, byte(a), byte(imm), byte(imm >> 8)}
}

// Program concatenates instructions.
func Program(insns ...[]byte) []byte {
	var out []byte
	for _, in := range insns {
		out = append(out, in...)
	}
	return out
}

// Toy implements engine.Frontend.
type Toy struct {
	Code       []byte
	HaltOnTrap bool

	mu      sync.Mutex
	traps   int
	faults  []cpu.GuestFault
	decoded int
}

func New(code []byte) *Toy { return &Toy{Code: code} }

func (t *Toy) Name() string { return "toy" }

func (t *Toy) Helpers() (*helper.Table, map[string]any) { return nil, nil }

func (t *Toy) Setup(guest *machine.GuestMemory) error {
	if err := guest.Map(0, guest.Size(), machine.PermRW); err != nil {
		return err
	}
	return guest.Poke(Origin, t.Code)
}

func (t *Toy) SourceAddr(pc uint64) uint64 { return pc }

func (t *Toy) InitCPU(c *cpu.CPU) error {
	if err := c.SetPC(Origin); err != nil {
		return err
	}
	return c.SetEnvU64(RegOff(7), uint64(c.Index()))
}

func (t *Toy) Traps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traps
}

// Decoded counts guest instructions decoded so far.
func (t *Toy) Decoded() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decoded
}

func (t *Toy) Faults() []cpu.GuestFault {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]cpu.GuestFault(nil), t.faults...)
}

// DeliverException steps over a trap.
func (t *Toy) DeliverException(c *cpu.CPU, excp int) (bool, error) {
	if excp != ExcpTrap {
		return false, fmt.Errorf("toy: exception %d: %w", excp, dbterrors.ErrGuestFault)
	}
	t.mu.Lock()
	t.traps++
	t.mu.Unlock()
	if t.HaltOnTrap {
		return true, nil
	}
	pc, err := c.PC()
	if err != nil {
		return false, err
	}
	return false, c.SetPC(pc + InsnLen)
}

// DeliverFault records the fault and halts.
func (t *Toy) DeliverFault(c *cpu.CPU, f *cpu.GuestFault) (bool, error) {
	t.mu.Lock()
	t.faults = append(t.faults, *f)
	t.mu.Unlock()
	return true, nil
}

type translator struct {
	u    *ir.Unit
	regs [NumRegs]ir.Temp
	pc   uint64
}

func (tr *translator) imm(v uint64) ir.Temp { return tr.u.Const(ir.I64, v) }

func (tr *translator) setPC(pc uint64) { tr.u.StoreEnv(tr.imm(pc), machine.EnvPC) }

func (tr *translator) gotoTB(slot int, pc uint64) {
	tr.setPC(pc)
	tr.u.GotoTB(slot)
	tr.u.ExitTB(slot)
}

func (tr *translator) exception(excp int, pc uint64) {
	tr.setPC(pc)
	tr.u.ExitException(excp)
}

// Translate decodes a block at key.PC. The block ends at a control
// transfer, at the count limit or at a page boundary.
func (t *Toy) Translate(key tb.Key, guest *machine.GuestMemory) (*ir.Unit, error) {
	tr := &translator{u: ir.NewUnit(key.PC, key.Flags, key.CFlags), pc: key.PC}
	u := tr.u
	for i := range tr.regs {
		tr.regs[i] = u.Global(ir.I64, fmt.Sprintf("r%d", i), RegOff(i))
	}
	count := int(key.CFlags & ir.CFCountMask)
	if count == 0 {
		count = defaultMaxInsns
	}
	page := key.PC &^ (machine.PageSize - 1)

	for n := 0; ; n++ {
		if n == count || tr.pc&^(machine.PageSize-1) != page {
			tr.gotoTB(0, tr.pc)
			break
		}
		var raw [InsnLen]byte
		if err := guest.Fetch(tr.pc, raw[:]); err != nil {
			return nil, fmt.Errorf("toy: fetch 0x%x: %w", tr.pc, dbterrors.ErrUndecodable)
		}
		t.mu.Lock()
		t.decoded++
		t.mu.Unlock()
		pc := tr.pc
		next := pc + InsnLen
		tr.pc = next
		u.InsnStart(pc)
		a, b, c := int(raw[1])%NumRegs, int(raw[2])%NumRegs, int(raw[3])%NumRegs
		imm16 := uint64(int64(int16(binary.LittleEndian.Uint16(raw[2:]))))
		end := true
		switch raw[0] {
		case OpLi:
			u.Movi(tr.regs[a], uint64(binary.LittleEndian.Uint16(raw[2:])))
			end = false
		case OpAdd:
			u.Binary(ir.OpAdd, tr.regs[a], tr.regs[b], tr.regs[c])
			end = false
		case OpSub:
			u.Binary(ir.OpSub, tr.regs[a], tr.regs[b], tr.regs[c])
			end = false
		case OpAddi:
			u.Binary(ir.OpAdd, tr.regs[a], tr.regs[b], tr.imm(uint64(int64(int8(raw[3])))))
			end = false
		case OpLoad:
			u.Load(8, false, tr.regs[a], tr.regs[b])
			end = false
		case OpStore:
			u.Store(8, tr.regs[a], tr.regs[b])
			end = false
		case OpStore4:
			v := u.NewTemp(ir.I32)
			u.Unary(ir.OpTrunc, v, tr.regs[a])
			u.Store(4, v, tr.regs[b])
			end = false
		case OpCas:
			if key.CFlags&ir.CFParallel != 0 && key.CFlags&ir.CFSerial == 0 {
				tr.exception(ir.ExcpAtomic, pc)
				break
			}
			old := u.NewTemp(ir.I64)
			u.AtomicCmpXchg(8, old, tr.regs[b], tr.regs[a], tr.regs[c])
			u.Mov(tr.regs[a], old)
			end = false
		case OpBnz:
			taken := u.NewLabel()
			u.Brcond(ir.CondNE, tr.regs[a], tr.imm(0), taken)
			tr.gotoTB(0, next)
			u.SetLabel(taken)
			tr.gotoTB(1, pc+imm16)
		case OpJmp:
			tr.gotoTB(0, pc+imm16)
		case OpJr:
			u.StoreEnv(tr.regs[a], machine.EnvPC)
			p := u.NewTemp(ir.Ptr)
			u.Call("lookup_tb_ptr", p)
			u.GotoPtr(p)
		case OpHalt:
			tr.exception(ir.ExcpHalted, pc)
		case OpSys:
			tr.exception(ir.ExcpSyscall, next)
		case OpTrap:
			tr.exception(ExcpTrap, pc)
		case OpBrk:
			tr.exception(ir.ExcpDebug, next)
		case OpYield:
			tr.exception(ir.ExcpYield, next)
		default:
			return nil, fmt.Errorf("toy: opcode 0x%02x at 0x%x: %w", raw[0], pc, dbterrors.ErrUndecodable)
		}
		if end {
			break
		}
	}
	u.GuestSize = tr.pc - key.PC
	return u, nil
}

// SyscallArgs takes the number from r0 and arguments from r1..r6.
func (t *Toy) SyscallArgs(c *cpu.CPU) (nr uint64, args [6]uint64, err error) {
	if nr, err = c.EnvU64(RegOff(0)); err != nil {
		return 0, args, err
	}
	for i := range args[:NumRegs-2] {
		if args[i], err = c.EnvU64(RegOff(i + 1)); err != nil {
			return 0, args, err
		}
	}
	return nr, args, nil
}

// SetSyscallReturn puts the result in r0.
func (t *Toy) SetSyscallReturn(c *cpu.CPU, ret int64) error {
	return c.SetEnvU64(RegOff(0), uint64(ret))
}
