//go:build unicorn

// Package unicornvm runs generated code on Unicorn Engine. Guest memory is
// aliased with MemMapPtr; guest page permissions are enforced from memory
// hooks, so a denied access is reported after Unicorn has performed it.
package unicornvm

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/colorfulnotion/dbt/capability"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/x86"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const poison = 0x5a5a_0000_dead_0000

var ucRegs = [16]int{
	uc.X86_REG_RAX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RBX,
	uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

func prot(p machine.Perm) int {
	v := uc.PROT_NONE
	if p&machine.PermRead != 0 {
		v |= uc.PROT_READ
	}
	if p&machine.PermWrite != 0 {
		v |= uc.PROT_WRITE
	}
	if p&machine.PermExec != 0 {
		v |= uc.PROT_EXEC
	}
	return v
}

type VM struct {
	mu    uc.Unicorn
	h     machine.Handlers
	guest *machine.GuestMemory
	code  machine.CodeSource

	watches []machine.WatchRange

	sigMu   sync.Mutex
	armed   atomic.Bool
	pending []int
	at      map[uint64][]int

	stop    *machine.Stop
	hookErr error
}

func init() {
	machine.RegisterKind("unicorn", func() (machine.Machine, error) { return New() })
}

func New() (*VM, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	v := &VM{mu: mu, at: make(map[uint64][]int)}
	if err := v.setup(); err != nil {
		mu.Close()
		return nil, err
	}
	return v, nil
}

// Factory adapts New to machine.Factory.
func Factory() (machine.Machine, error) { return New() }

func (v *VM) setup() error {
	if err := v.mu.MemMapProt(machine.HelperBase, machine.HelperSize, uc.PROT_READ|uc.PROT_EXEC); err != nil {
		return fmt.Errorf("map helper region: %w", err)
	}
	// every helper entry is a ret; the code hook performs the call first
	if err := v.mu.MemWrite(machine.HelperBase, bytes.Repeat([]byte{x86.X86_OP_RET}, int(machine.HelperSize))); err != nil {
		return fmt.Errorf("fill helper region: %w", err)
	}
	if _, err := v.mu.HookAdd(uc.HOOK_CODE, v.onCode, 1, 0); err != nil {
		return fmt.Errorf("code hook: %w", err)
	}
	if _, err := v.mu.HookAdd(uc.HOOK_INSN, v.onSyscall, 1, 0, uc.X86_INS_SYSCALL); err != nil {
		return fmt.Errorf("syscall hook: %w", err)
	}
	if _, err := v.mu.HookAdd(uc.HOOK_MEM_INVALID, v.onInvalid, 1, 0); err != nil {
		return fmt.Errorf("invalid memory hook: %w", err)
	}
	return nil
}

func (v *VM) Name() string { return "unicorn" }

// Capabilities assumes the default Unicorn CPU model: SSE2, no ABM or BMI1.
func (v *VM) Capabilities() *capability.Table {
	t, err := capability.Baseline().With(map[string]string{"vector-128": "supported"})
	if err != nil {
		panic(err)
	}
	return t
}

func (v *VM) Map(addr, size uint64, perm machine.Perm) error {
	if err := v.mu.MemMapProt(addr, size, prot(perm)); err != nil {
		return fmt.Errorf("map 0x%x+0x%x: %w", addr, size, err)
	}
	return nil
}

func (v *VM) MapGuest(g *machine.GuestMemory) error {
	mem := g.Bytes()
	if err := v.mu.MemMapPtr(machine.GuestBase, g.Size(), uc.PROT_READ|uc.PROT_WRITE, unsafe.Pointer(&mem[0])); err != nil {
		return fmt.Errorf("map guest memory: %w", err)
	}
	if _, err := v.mu.HookAdd(uc.HOOK_MEM_READ|uc.HOOK_MEM_WRITE, v.onGuestAccess, machine.GuestBase, machine.GuestBase+g.Size()-1); err != nil {
		return fmt.Errorf("guest access hook: %w", err)
	}
	v.guest = g
	return nil
}

func (v *VM) MapCode(c machine.CodeSource) error {
	if err := v.mu.MemMapProt(c.Base(), uint64(c.Cap()), uc.PROT_READ|uc.PROT_EXEC); err != nil {
		return fmt.Errorf("map code region: %w", err)
	}
	v.code = c
	return nil
}

// CodeChanged copies the bytes into Unicorn, which also drops any stale
// translation of them.
func (v *VM) CodeChanged(addr uint64, n int) {
	if v.code == nil {
		return
	}
	buf := make([]byte, n)
	if err := v.code.Read(addr, buf); err != nil {
		log.Warn(log.Machine, "unicorn code sync", "addr", fmt.Sprintf("0x%x", addr), "err", err)
		return
	}
	if err := v.mu.MemWrite(addr, buf); err != nil {
		log.Warn(log.Machine, "unicorn code sync", "addr", fmt.Sprintf("0x%x", addr), "err", err)
	}
}

func (v *VM) Protect(addr, size uint64, perm machine.Perm) error {
	return v.mu.MemProtect(addr, size, prot(perm))
}

func (v *VM) inGuest(addr uint64, n int) bool {
	return v.guest != nil && addr >= machine.GuestBase && addr+uint64(n) <= machine.GuestBase+v.guest.Size()
}

func (v *VM) Read(addr uint64, dst []byte) error {
	if v.inGuest(addr, len(dst)) {
		return v.guest.Peek(addr-machine.GuestBase, dst)
	}
	b, err := v.mu.MemRead(addr, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (v *VM) Write(addr uint64, src []byte) error {
	if v.inGuest(addr, len(src)) {
		return v.guest.Poke(addr-machine.GuestBase, src)
	}
	return v.mu.MemWrite(addr, src)
}

func (v *VM) Reg(r x86.Reg) uint64 {
	val, _ := v.mu.RegRead(ucRegs[r.Index()])
	return val
}

func (v *VM) SetReg(r x86.Reg, val uint64) { _ = v.mu.RegWrite(ucRegs[r.Index()], val) }

func (v *VM) SetHandlers(h machine.Handlers) { v.h = h }

func (v *VM) SetWatch(ranges []machine.WatchRange) {
	v.watches = append([]machine.WatchRange(nil), ranges...)
}

func (v *VM) Signal(sig int) {
	v.sigMu.Lock()
	v.pending = append(v.pending, sig)
	v.sigMu.Unlock()
	v.armed.Store(true)
}

func (v *VM) SignalAt(pc uint64, sig int) {
	v.sigMu.Lock()
	v.at[pc] = append(v.at[pc], sig)
	v.sigMu.Unlock()
	v.armed.Store(true)
}

func (v *VM) Close() error { return v.mu.Close() }

func (v *VM) regs() *machine.Regs {
	r := &machine.Regs{}
	for i, id := range ucRegs {
		r.GPR[i], _ = v.mu.RegRead(id)
	}
	r.PC, _ = v.mu.RegRead(uc.X86_REG_RIP)
	return r
}

func (v *VM) setRegs(r *machine.Regs) {
	for i, id := range ucRegs {
		_ = v.mu.RegWrite(id, r.GPR[i])
	}
	_ = v.mu.RegWrite(uc.X86_REG_RIP, r.PC)
}

func (v *VM) halt(s machine.Stop, err error) {
	if v.stop == nil && v.hookErr == nil {
		v.stop = &s
		v.hookErr = err
	}
	_ = v.mu.Stop()
}

func (v *VM) onCode(mu uc.Unicorn, addr uint64, size uint32) {
	if v.armed.Load() {
		v.sigMu.Lock()
		sigs := v.pending
		v.pending = nil
		if s, ok := v.at[addr]; ok {
			sigs = append(sigs, s...)
			delete(v.at, addr)
		}
		if len(v.at) == 0 {
			v.armed.Store(false)
		}
		v.sigMu.Unlock()
		if len(sigs) > 0 && v.h.Signal != nil {
			regs := v.regs()
			for _, sig := range sigs {
				v.h.Signal(&machine.SignalContext{Sig: sig, Regs: regs})
			}
			v.setRegs(regs)
			if regs.PC != addr {
				return
			}
		}
	}
	if !machine.IsHelper(addr) {
		return
	}
	if v.h.Helper == nil {
		v.halt(machine.Stop{PC: addr}, fmt.Errorf("unicorn: call to helper 0x%x without handler", addr))
		return
	}
	regs := v.regs()
	ret, unwind, err := v.h.Helper(addr, regs)
	switch {
	case err != nil:
		v.halt(machine.Stop{PC: addr}, err)
		return
	case unwind:
		v.halt(machine.Stop{Reason: machine.StopUnwound, PC: addr}, nil)
		return
	}
	for _, r := range x86.CallerSaved {
		_ = mu.RegWrite(ucRegs[r.Index()], poison|uint64(r.Index()))
	}
	_ = mu.RegWrite(uc.X86_REG_RAX, ret)
}

func (v *VM) onSyscall(mu uc.Unicorn) {
	if v.h.Syscall == nil {
		v.halt(machine.Stop{}, fmt.Errorf("unicorn: syscall without handler"))
		return
	}
	regs := v.regs()
	v.h.Syscall(regs)
	for i, id := range ucRegs {
		_ = mu.RegWrite(id, regs.GPR[i])
	}
}

func (v *VM) onGuestAccess(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
	write := access == uc.MEM_WRITE
	pc, _ := mu.RegRead(uc.X86_REG_RIP)
	for _, w := range v.watches {
		if w.Hit(addr, size, write) {
			v.halt(machine.Stop{Reason: machine.StopWatch, PC: pc,
				Fault: &machine.Fault{Kind: machine.FaultWatch, Addr: addr, Size: size, Write: write, PC: pc}}, nil)
			return
		}
	}
	kind, ok := v.guest.Check(addr-machine.GuestBase, size, write)
	if ok {
		return
	}
	f := &machine.Fault{Kind: kind, Addr: addr, Size: size, Write: write, PC: pc}
	if v.h.Fault != nil && v.h.Fault(f) {
		return
	}
	v.halt(machine.Stop{Reason: machine.StopFault, PC: pc, Fault: f}, nil)
}

func (v *VM) onInvalid(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
	pc, _ := mu.RegRead(uc.X86_REG_RIP)
	f := &machine.Fault{Kind: machine.FaultUnmapped, Addr: addr, Size: size, PC: pc}
	switch access {
	case uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
		f.Write = true
	}
	switch access {
	case uc.MEM_WRITE_PROT, uc.MEM_READ_PROT, uc.MEM_FETCH_PROT:
		f.Kind = machine.FaultProtection
	}
	v.halt(machine.Stop{Reason: machine.StopFault, PC: pc, Fault: f}, nil)
	return false
}

// Run executes from entry until it returns to machine.ReturnAddr.
func (v *VM) Run(ctx context.Context, entry uint64, args ...uint64) (machine.Stop, error) {
	if len(args) > len(x86.ArgRegs) {
		return machine.Stop{}, fmt.Errorf("unicorn: %d arguments, at most %d", len(args), len(x86.ArgRegs))
	}
	sp := machine.StackTop - 8
	var ret [8]byte
	for i := range ret {
		ret[i] = byte(machine.ReturnAddr >> (8 * i))
	}
	if err := v.mu.MemWrite(sp, ret[:]); err != nil {
		return machine.Stop{}, err
	}
	_ = v.mu.RegWrite(uc.X86_REG_RSP, sp)
	for i, a := range args {
		v.SetReg(x86.ArgRegs[i], a)
	}
	v.stop, v.hookErr = nil, nil

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = v.mu.Stop()
		case <-done:
		}
	}()

	err := v.mu.Start(entry, machine.ReturnAddr)
	pc, _ := v.mu.RegRead(uc.X86_REG_RIP)
	switch {
	case v.hookErr != nil:
		return *v.stop, v.hookErr
	case v.stop != nil:
		return *v.stop, nil
	case ctx.Err() != nil:
		return machine.Stop{PC: pc}, ctx.Err()
	case err != nil:
		return machine.Stop{Reason: machine.StopFault, PC: pc,
			Fault: &machine.Fault{Kind: machine.FaultIllegal, PC: pc}}, nil
	}
	rax, _ := v.mu.RegRead(uc.X86_REG_RAX)
	return machine.Stop{Reason: machine.StopReturned, Value: rax, PC: pc}, nil
}
