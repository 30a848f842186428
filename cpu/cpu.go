// Package cpu drives one virtual CPU: it looks up or generates the block for
// the current guest state, runs it on the vCPU's machine and acts on how the
// block left.
package cpu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/safesyscall"
	"github.com/colorfulnotion/dbt/tb"
	"github.com/colorfulnotion/dbt/x86"
	lru "github.com/hashicorp/golang-lru/v2"
)

// SigKick interrupts generated code without a guest-visible signal.
const SigKick = 34

const DefaultJumpCacheSize = 4096

const enosys = 38

func negErrno(e int64) uint64 { return uint64(-e) }

// Translator hands out blocks; the engine implements it.
type Translator interface {
	Translate(key tb.Key) (*tb.Block, error)
	Cache() *tb.Cache
	// Entry is the address of the shared prologue.
	Entry() uint64
	Helpers() *helper.Registry
	Guest() *machine.GuestMemory
}

// GuestFault is a guest memory access generated code could not complete.
type GuestFault struct {
	Kind  machine.FaultKind
	Addr  uint64
	Size  int
	Write bool
	PC    uint64
}

func (f *GuestFault) Error() string {
	return fmt.Sprintf("guest %s fault at 0x%x (pc 0x%x)", f.Kind, f.Addr, f.PC)
}

// ExceptionDelivery applies guest exceptions to cpu state. Returning halt
// ends the loop with ExitHalted.
type ExceptionDelivery interface {
	DeliverException(c *CPU, excp int) (halt bool, err error)
	DeliverFault(c *CPU, f *GuestFault) (halt bool, err error)
}

// InterruptDelivery takes pending interrupt lines and returns the ones it
// consumed.
type InterruptDelivery interface {
	DeliverInterrupt(c *CPU, pending uint32) uint32
}

// SyscallHandler services guest system calls.
type SyscallHandler interface {
	Syscall(c *CPU) error
	// Trap performs the host call the safe syscall section issues.
	Trap(regs *machine.Regs)
}

// SignalDelivery hands a guest signal to the guest.
type SignalDelivery interface {
	DeliverSignal(c *CPU, sig int) (halt bool, err error)
}

type Hooks struct {
	Exceptions ExceptionDelivery
	Interrupts InterruptDelivery
	Syscalls   SyscallHandler
	Signals    SignalDelivery
	Debug      DebugHandler
}

type Options struct {
	JumpCacheSize int
	// MaxInsns is the instruction limit put into every block key; zero
	// leaves it to the frontend.
	MaxInsns uint32
	NoChain  bool
}

type work struct {
	fn   func(*CPU)
	done chan struct{}
}

type CPU struct {
	index int
	m     machine.Machine
	tr    Translator
	list  *List
	hooks Hooks
	opts  Options

	jc *lru.Cache[tb.Key, *tb.Block]

	workMu  sync.Mutex
	work    []work
	looping bool

	interrupts atomic.Uint32
	stopReq    atomic.Bool

	sigMu   sync.Mutex
	signals []int

	// inExec is guarded by the list lock.
	inExec bool

	// Loop goroutine only.
	last     *tb.Block
	lastSlot int
	oneShot  uint32
	smc      bool
	halted   bool
	debug    debugState
	stats    Stats
}

// New builds vCPU state around m and joins list.
func New(m machine.Machine, tr Translator, list *List, hooks Hooks, opts Options) (*CPU, error) {
	if opts.JumpCacheSize <= 0 {
		opts.JumpCacheSize = DefaultJumpCacheSize
	}
	jc, err := lru.New[tb.Key, *tb.Block](opts.JumpCacheSize)
	if err != nil {
		return nil, err
	}
	c := &CPU{m: m, tr: tr, list: list, hooks: hooks, opts: opts, jc: jc}
	c.debug.breakpoints = make(map[uint64]BreakKind)
	if err := safesyscall.Install(m); err != nil {
		return nil, err
	}
	if err := c.setException(ir.ExcpNone); err != nil {
		return nil, err
	}
	m.SetHandlers(machine.Handlers{
		Signal:  c.onSignal,
		Syscall: c.onSyscall,
		Helper:  c.onHelper,
		Fault:   c.onFault,
	})
	cache := tr.Cache()
	cache.OnFlush(c.jc.Purge)
	cache.OnInvalidate(func(b *tb.Block) {
		if cur, ok := c.jc.Peek(b.Key); ok && cur == b {
			c.jc.Remove(b.Key)
		}
	})
	cache.OnPatch(m.CodeChanged)
	list.add(c)
	return c, nil
}

func (c *CPU) Index() int                  { return c.index }
func (c *CPU) Machine() machine.Machine    { return c.m }
func (c *CPU) Guest() *machine.GuestMemory { return c.tr.Guest() }
func (c *CPU) Stats() Stats                { return c.stats }
func (c *CPU) JumpCacheLen() int           { return c.jc.Len() }

// Close leaves the cpu list. The machine is closed by its owner.
func (c *CPU) Close() { c.list.remove(c) }

func (c *CPU) ReadEnv(off int32, dst []byte) error {
	return c.m.Read(machine.EnvBase+uint64(off), dst)
}

func (c *CPU) WriteEnv(off int32, src []byte) error {
	return c.m.Write(machine.EnvBase+uint64(off), src)
}

func (c *CPU) EnvU64(off int32) (uint64, error) { return helper.EnvU64(c, off) }
func (c *CPU) SetEnvU64(off int32, v uint64) error {
	return helper.SetEnvU64(c, off, v)
}

func (c *CPU) envU32(off int32) (uint32, error) {
	var b [4]byte
	if err := c.ReadEnv(off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *CPU) setEnvU32(off int32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return c.WriteEnv(off, b[:])
}

func (c *CPU) PC() (uint64, error)      { return c.EnvU64(machine.EnvPC) }
func (c *CPU) SetPC(pc uint64) error    { return c.SetEnvU64(machine.EnvPC, pc) }
func (c *CPU) Flags() (uint32, error)   { return c.envU32(machine.EnvFlags) }
func (c *CPU) SetFlags(f uint32) error  { return c.setEnvU32(machine.EnvFlags, f) }
func (c *CPU) setException(e int) error { return c.setEnvU32(machine.EnvExceptionIndex, uint32(int32(e))) }

func (c *CPU) exception() (int, error) {
	v, err := c.envU32(machine.EnvExceptionIndex)
	return int(int32(v)), err
}

// RaiseException records excp for the loop; used by helpers.
func (c *CPU) RaiseException(excp int32) {
	if err := c.setException(int(excp)); err != nil {
		log.Warn(log.CPU, "raise exception", "excp", excp, "err", err)
	}
}

// LookupTBPtr finds the block for the current env state without generating
// it, for indirect jumps. Zero sends the block back to the loop.
func (c *CPU) LookupTBPtr() uint64 {
	key, err := c.key()
	if err != nil || key.CFlags&ir.CFNoChain != 0 {
		return 0
	}
	b := c.lookup(key)
	if b == nil {
		return 0
	}
	c.stats.IndirectHits++
	return b.HostAddr()
}

func (c *CPU) lookup(key tb.Key) *tb.Block {
	if b, ok := c.jc.Get(key); ok && b.Valid() {
		return b
	}
	b, ok := c.tr.Cache().Lookup(key)
	if !ok {
		return nil
	}
	c.jc.Add(key, b)
	return b
}

// Interrupt raises interrupt lines from any goroutine.
func (c *CPU) Interrupt(mask uint32) {
	c.interrupts.Or(mask)
	c.Kick()
}

func (c *CPU) ClearInterrupt(mask uint32) { c.interrupts.And(^mask) }

func (c *CPU) PendingInterrupts() uint32 { return c.interrupts.Load() }

// Kick makes the vCPU leave generated code at the next block entry.
func (c *CPU) Kick() { c.m.Signal(SigKick) }

// Stop asks the loop to return ExitStopped.
func (c *CPU) Stop() {
	c.stopReq.Store(true)
	c.Kick()
}

// QueueSignal delivers a host signal to the guest at the next instruction
// boundary. A safe syscall in progress is restarted.
func (c *CPU) QueueSignal(sig int) { c.m.Signal(sig) }

// RunOnCPU runs fn on the vCPU's goroutine and waits for it. With the
// loop not running fn is called directly.
func (c *CPU) RunOnCPU(fn func(*CPU)) {
	done := make(chan struct{})
	if !c.queueWork(work{fn: fn, done: done}, true) {
		fn(c)
		return
	}
	<-done
}

// AsyncRunOnCPU queues fn for the vCPU's goroutine. It runs at the next
// loop iteration even if the loop is not running yet.
func (c *CPU) AsyncRunOnCPU(fn func(*CPU)) { c.queueWork(work{fn: fn}, false) }

func (c *CPU) queueWork(w work, needLoop bool) bool {
	c.workMu.Lock()
	if needLoop && !c.looping {
		c.workMu.Unlock()
		return false
	}
	c.work = append(c.work, w)
	c.workMu.Unlock()
	c.Kick()
	return true
}

func (c *CPU) runWork() {
	c.workMu.Lock()
	queue := c.work
	c.work = nil
	c.workMu.Unlock()
	for _, w := range queue {
		w.fn(c)
		if w.done != nil {
			close(w.done)
		}
	}
	if len(queue) > 0 {
		c.last = nil
	}
}

// onSignal runs at an instruction boundary on the loop goroutine.
func (c *CPU) onSignal(sc *machine.SignalContext) {
	if err := c.setEnvU32(machine.EnvExitRequest, 1); err != nil {
		log.Warn(log.CPU, "exit request", "err", err)
	}
	if sc.Sig == SigKick {
		return
	}
	c.sigMu.Lock()
	c.signals = append(c.signals, sc.Sig)
	c.sigMu.Unlock()
	if err := safesyscall.SetPending(c.m, true); err != nil {
		log.Warn(log.Syscall, "signal pending", "err", err)
	}
	if pc, ok := safesyscall.Rewind(sc.Regs.PC); ok {
		log.Trace(log.Syscall, "rewound safe syscall", "sig", sc.Sig, "pc", fmt.Sprintf("0x%x", sc.Regs.PC))
		sc.Regs.PC = pc
	}
}

// PendingSignals reports queued guest signals.
func (c *CPU) PendingSignals() []int {
	c.sigMu.Lock()
	defer c.sigMu.Unlock()
	return append([]int(nil), c.signals...)
}

// DeliverSignals hands every queued guest signal to the guest.
func (c *CPU) DeliverSignals() (halt bool, err error) {
	c.sigMu.Lock()
	sigs := c.signals
	c.signals = nil
	c.sigMu.Unlock()
	if err := safesyscall.SetPending(c.m, false); err != nil {
		return false, err
	}
	for _, sig := range sigs {
		c.last = nil
		c.stats.Signals++
		if c.hooks.Signals == nil {
			log.Debug(log.CPU, "guest signal ignored", "cpu", c.index, "sig", sig)
			continue
		}
		h, err := c.hooks.Signals.DeliverSignal(c, sig)
		if err != nil || h {
			return h, err
		}
	}
	return false, nil
}

func (c *CPU) onSyscall(regs *machine.Regs) {
	if c.hooks.Syscalls == nil {
		regs.Set(x86.RAX, negErrno(enosys))
		return
	}
	c.hooks.Syscalls.Trap(regs)
}

func (c *CPU) onHelper(addr uint64, regs *machine.Regs) (uint64, bool, error) {
	var args [6]uint64
	for i, r := range x86.ArgRegs {
		args[i] = regs.Get(r)
	}
	res, err := c.tr.Helpers().Invoke(addr, c, args[:])
	return res.Value, res.Unwind, err
}

// onFault resolves writes to pages that hold translated code: every block
// on those pages is dropped and the store retried. A store into the running
// block's own source stops the run so the loop can step over it; a single
// instruction block finishes the store.
func (c *CPU) onFault(f *machine.Fault) bool {
	if f.Kind != machine.FaultCodeWrite || f.Addr < machine.GuestBase {
		return false
	}
	addr := f.Addr - machine.GuestBase
	start := addr &^ (machine.PageSize - 1)
	end := (addr + uint64(f.Size) + machine.PageSize - 1) &^ (machine.PageSize - 1)
	cache := c.tr.Cache()
	cur, _ := cache.FindByHost(f.PC)
	n, err := cache.InvalidateRange(start, end)
	if err != nil {
		log.Warn(log.CPU, "code write invalidation", "addr", fmt.Sprintf("0x%x", addr), "err", err)
		return false
	}
	for p := start; p < end; p += machine.PageSize {
		c.Guest().ClearCode(p >> machine.PageBits)
	}
	c.stats.CodeWrites++
	log.Debug(log.CPU, "code write", "cpu", c.index, "addr", fmt.Sprintf("0x%x", addr), "invalidated", n)
	if cur != nil && cur.CFlags&ir.CFCountMask != 1 && cur.Overlaps(addr, addr+uint64(f.Size)) {
		c.smc = true
		return false
	}
	return true
}
