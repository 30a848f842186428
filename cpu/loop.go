package cpu

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/tb"
	"github.com/colorfulnotion/dbt/tcg"
)

// ExitReason says why Loop returned.
type ExitReason int

const (
	ExitHalted ExitReason = iota
	ExitStopped
	ExitDebug
	ExitError
)

var exitNames = [...]string{"halted", "stopped", "debug", "error"}

func (r ExitReason) String() string {
	if int(r) < len(exitNames) {
		return exitNames[r]
	}
	return fmt.Sprintf("exit(%d)", int(r))
}

// Stats are kept by the loop goroutine. Read them from it or after Loop
// returns.
type Stats struct {
	Blocks        uint64
	Translations  uint64
	ChainExits    uint64
	DispatchExits uint64
	ExitRequests  uint64
	Exceptions    uint64
	Syscalls      uint64
	AtomicRetries uint64
	Faults        uint64
	CodeWrites    uint64
	Signals       uint64
	Interrupts    uint64
	IndirectHits  uint64
	DebugStops    uint64
}

// Halt makes Loop return ExitHalted at the next iteration. Loop goroutine
// only; a delivered interrupt wakes the cpu again.
func (c *CPU) Halt()        { c.halted = true }
func (c *CPU) Halted() bool { return c.halted }

// Wake clears the halted state. Call it from the loop goroutine or while
// Loop is not running.
func (c *CPU) Wake() { c.halted = false }

func (c *CPU) key() (tb.Key, error) {
	pc, err := c.PC()
	if err != nil {
		return tb.Key{}, err
	}
	flags, err := c.Flags()
	if err != nil {
		return tb.Key{}, err
	}
	return tb.Key{PC: pc, Flags: flags, CFlags: c.cflags()}, nil
}

func (c *CPU) cflags() uint32 {
	cf := c.opts.MaxInsns & ir.CFCountMask
	if c.opts.NoChain {
		cf |= ir.CFNoChain
	}
	if c.list.Parallel() {
		cf |= ir.CFParallel
	}
	if active, step := c.debugActive(); active {
		cf = cf&^ir.CFCountMask | 1 | ir.CFNoChain
		if step {
			cf |= ir.CFSingleStep
		}
	}
	if c.oneShot != 0 {
		cf = cf&^ir.CFCountMask | 1 | c.oneShot
	}
	return cf
}

func (c *CPU) find(key tb.Key) (*tb.Block, error) {
	if b := c.lookup(key); b != nil {
		return b, nil
	}
	b, err := c.tr.Translate(key)
	if err != nil {
		return nil, err
	}
	c.stats.Translations++
	c.jc.Add(key, b)
	return b, nil
}

// chain patches the block that just exited into b.
func (c *CPU) chain(b *tb.Block) {
	from, slot := c.last, c.lastSlot
	c.last = nil
	if from == nil || c.opts.NoChain || !from.Valid() {
		return
	}
	if from.Flags != b.Flags || from.CFlags != b.CFlags {
		return
	}
	if err := c.tr.Cache().Chain(from, slot, b); err != nil {
		log.Warn(log.CPU, "chain", "from", from.Key, "to", b.Key, "err", err)
	}
}

// Loop runs guest code until the cpu halts, is stopped, hits a debug stop
// or fails. Only one goroutine may run Loop at a time.
func (c *CPU) Loop(ctx context.Context) (ExitReason, error) {
	c.workMu.Lock()
	c.looping = true
	c.workMu.Unlock()
	defer func() {
		c.workMu.Lock()
		c.looping = false
		c.workMu.Unlock()
		c.runWork()
	}()
	log.Debug(log.CPU, "loop start", "cpu", c.index)

	for {
		if err := ctx.Err(); err != nil {
			return ExitStopped, err
		}
		c.runWork()
		if c.stopReq.Swap(false) {
			return ExitStopped, nil
		}
		if len(c.PendingSignals()) > 0 {
			halt, err := c.DeliverSignals()
			if err != nil {
				return ExitError, err
			}
			if halt {
				c.halted = true
			}
		}
		c.deliverInterrupts()
		if c.halted {
			log.Debug(log.CPU, "halted", "cpu", c.index)
			return ExitHalted, nil
		}
		if err := c.setEnvU32(machine.EnvExitRequest, 0); err != nil {
			return ExitError, err
		}

		key, err := c.key()
		if err != nil {
			return ExitError, err
		}
		if c.breakpointAt(key.PC) {
			if c.debugStop(DebugEvent{Kind: DebugBreakpoint, PC: key.PC}) {
				return ExitDebug, nil
			}
			continue
		}
		b, err := c.find(key)
		if err != nil {
			return ExitError, fmt.Errorf("cpu %d: %w", c.index, err)
		}
		c.chain(b)

		reason, done, err := c.exec(ctx, b)
		if err != nil {
			return ExitError, err
		}
		if done {
			return reason, nil
		}
	}
}

func (c *CPU) deliverInterrupts() {
	pending := c.interrupts.Load()
	if pending == 0 || c.hooks.Interrupts == nil {
		return
	}
	took := c.hooks.Interrupts.DeliverInterrupt(c, pending)
	if took == 0 {
		return
	}
	c.ClearInterrupt(took)
	c.stats.Interrupts++
	c.last = nil
	c.halted = false
}

// exec runs b and acts on how it left.
func (c *CPU) exec(ctx context.Context, b *tb.Block) (ExitReason, bool, error) {
	c.list.execStart(c)
	if !b.Valid() {
		// Flushed or invalidated since lookup.
		c.list.execEnd(c)
		return 0, false, nil
	}
	stop, err := c.run(ctx, b)
	c.list.execEnd(c)
	if err != nil {
		return ExitError, true, err
	}
	return c.afterRun(ctx, stop)
}

func (c *CPU) run(ctx context.Context, b *tb.Block) (machine.Stop, error) {
	if c.oneShot&ir.CFNoWatch != 0 {
		c.m.SetWatch(nil)
		c.debug.mu.Lock()
		c.debug.watchDirty = true
		c.debug.mu.Unlock()
	} else {
		c.applyWatch()
	}
	c.oneShot = 0
	return c.m.Run(ctx, c.tr.Entry(), machine.EnvBase, b.HostAddr())
}

func (c *CPU) afterRun(ctx context.Context, stop machine.Stop) (ExitReason, bool, error) {
	c.stats.Blocks++
	c.clearResume()

	switch stop.Reason {
	case machine.StopReturned:
		c.exited(stop.Value)
	case machine.StopUnwound:
		c.last = nil
	case machine.StopFault:
		c.recoverPC(stop.PC)
		if reason, done, err := c.fault(stop.Fault); done || err != nil {
			return reason, done, err
		}
	case machine.StopWatch:
		c.recoverPC(stop.PC)
		c.oneShot = ir.CFNoChain | ir.CFNoWatch
		pc, _ := c.PC()
		f := stop.Fault
		ev := DebugEvent{Kind: DebugWatchpoint, PC: pc, Addr: f.Addr - machine.GuestBase, Write: f.Write}
		if c.debugStop(ev) {
			return ExitDebug, true, nil
		}
		return 0, false, nil
	case machine.StopLimit:
		return ExitError, true, fmt.Errorf("cpu %d: step limit at host pc 0x%x", c.index, stop.PC)
	}

	excp, err := c.exception()
	if err != nil {
		return ExitError, true, err
	}
	if excp != ir.ExcpNone {
		if err := c.setException(ir.ExcpNone); err != nil {
			return ExitError, true, err
		}
		if reason, done, err := c.handleException(ctx, excp); done || err != nil {
			return reason, done, err
		}
	}
	if c.SingleStep() {
		pc, _ := c.PC()
		if c.debugStop(DebugEvent{Kind: DebugStep, PC: pc}) {
			return ExitDebug, true, nil
		}
	}
	return 0, false, nil
}

// exited decodes the value generated code returned.
func (c *CPU) exited(v uint64) {
	switch {
	case v == 0:
		c.stats.DispatchExits++
		c.last = nil
	case v&tcg.ExitSlotMask == tcg.ExitRequested:
		c.stats.ExitRequests++
		c.last = nil
	default:
		c.stats.ChainExits++
		base := v &^ tcg.ExitSlotMask
		from, ok := c.tr.Cache().FindByHost(base)
		slot := int(v & tcg.ExitSlotMask)
		if ok && from.HostAddr() == base && from.Chainable(slot) {
			c.last, c.lastSlot = from, slot
		} else {
			c.last = nil
		}
	}
}

// recoverPC writes the guest pc of the instruction at host pc back to env.
func (c *CPU) recoverPC(hostPC uint64) {
	b, ok := c.tr.Cache().FindByHost(hostPC)
	if !ok {
		return
	}
	if pc, ok := b.GuestPC(hostPC); ok {
		if err := c.SetPC(pc); err != nil {
			log.Warn(log.CPU, "recover pc", "err", err)
		}
	}
}

func (c *CPU) fault(f *machine.Fault) (ExitReason, bool, error) {
	c.stats.Faults++
	c.last = nil
	if f.Kind == machine.FaultCodeWrite && c.smc {
		// The block wrote to its own source: execute the store alone.
		c.smc = false
		c.oneShot = ir.CFNoChain
		return 0, false, nil
	}
	guest := c.Guest()
	if f.Addr < machine.GuestBase || f.Addr >= machine.GuestBase+guest.Size() {
		return ExitError, true, fmt.Errorf("cpu %d: %w: %v", c.index, dbterrors.ErrHostFault, f)
	}
	pc, _ := c.PC()
	gf := &GuestFault{Kind: f.Kind, Addr: f.Addr - machine.GuestBase, Size: f.Size, Write: f.Write, PC: pc}
	log.Debug(log.CPU, "guest fault", "cpu", c.index, "fault", gf)
	if c.hooks.Exceptions == nil {
		return ExitError, true, fmt.Errorf("cpu %d: %w: %v", c.index, dbterrors.ErrPageFault, gf)
	}
	halt, err := c.hooks.Exceptions.DeliverFault(c, gf)
	if err != nil {
		return ExitError, true, err
	}
	if halt {
		c.halted = true
	}
	return 0, false, nil
}

func (c *CPU) handleException(ctx context.Context, excp int) (ExitReason, bool, error) {
	c.stats.Exceptions++
	c.last = nil
	switch excp {
	case ir.ExcpInterrupt, ir.ExcpYield:
		return 0, false, nil
	case ir.ExcpHalted:
		c.halted = true
		return ExitHalted, true, nil
	case ir.ExcpDebug:
		pc, _ := c.PC()
		if c.debugStop(DebugEvent{Kind: DebugTrap, PC: pc}) {
			return ExitDebug, true, nil
		}
		return 0, false, nil
	case ir.ExcpAtomic:
		return c.execAtomic(ctx)
	case ir.ExcpSyscall:
		c.stats.Syscalls++
		if c.hooks.Syscalls == nil {
			return ExitError, true, fmt.Errorf("cpu %d: syscall with no handler", c.index)
		}
		if err := c.hooks.Syscalls.Syscall(c); err != nil {
			return ExitError, true, err
		}
		return 0, false, nil
	}
	if c.hooks.Exceptions == nil {
		return ExitError, true, fmt.Errorf("cpu %d: exception 0x%x: %w", c.index, excp, dbterrors.ErrGuestFault)
	}
	halt, err := c.hooks.Exceptions.DeliverException(c, excp)
	if err != nil {
		return ExitError, true, err
	}
	if halt {
		c.halted = true
	}
	return 0, false, nil
}

// execAtomic runs the instruction that raised ExcpAtomic alone, in a block
// generated for serial execution, with every other vCPU stopped.
func (c *CPU) execAtomic(ctx context.Context) (ExitReason, bool, error) {
	c.stats.AtomicRetries++
	key, err := c.key()
	if err != nil {
		return ExitError, true, err
	}
	key.CFlags = key.CFlags&^(ir.CFParallel|ir.CFCountMask) | 1 | ir.CFNoChain | ir.CFSerial
	for {
		b, err := c.find(key)
		if err != nil {
			return ExitError, true, fmt.Errorf("cpu %d: atomic retry: %w", c.index, err)
		}
		c.list.StartExclusive()
		if !b.Valid() {
			c.list.EndExclusive()
			continue
		}
		log.Trace(log.CPU, "atomic retry", "cpu", c.index, "pc", fmt.Sprintf("0x%x", key.PC))
		stop, err := c.run(ctx, b)
		c.list.EndExclusive()
		if err != nil {
			return ExitError, true, err
		}
		return c.afterRun(ctx, stop)
	}
}
