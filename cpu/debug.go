package cpu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/colorfulnotion/dbt/machine"
)

type BreakKind int

const (
	BreakSoftware BreakKind = iota
	BreakHardware
)

func (k BreakKind) String() string {
	if k == BreakHardware {
		return "hw"
	}
	return "sw"
}

type WatchKind int

const (
	WatchWrite WatchKind = 1 << iota
	WatchRead
	WatchAccess = WatchRead | WatchWrite
)

func (k WatchKind) String() string {
	switch k {
	case WatchWrite:
		return "write"
	case WatchRead:
		return "read"
	case WatchAccess:
		return "access"
	}
	return fmt.Sprintf("watch(%d)", int(k))
}

// Watchpoint covers guest addresses [Addr, Addr+Len).
type Watchpoint struct {
	Addr uint64
	Len  uint64
	Kind WatchKind
}

type DebugKind int

const (
	DebugBreakpoint DebugKind = iota
	DebugWatchpoint
	DebugStep
	// DebugTrap is a debug exception raised by guest code.
	DebugTrap
)

var debugNames = [...]string{"breakpoint", "watchpoint", "step", "trap"}

func (k DebugKind) String() string {
	if int(k) < len(debugNames) {
		return debugNames[k]
	}
	return fmt.Sprintf("debug(%d)", int(k))
}

type DebugEvent struct {
	Kind DebugKind
	PC   uint64
	// Addr and Write describe the access for watchpoints.
	Addr  uint64
	Write bool
}

func (e DebugEvent) String() string {
	if e.Kind == DebugWatchpoint {
		dir := "read"
		if e.Write {
			dir = "write"
		}
		return fmt.Sprintf("%s %s 0x%x at pc 0x%x", e.Kind, dir, e.Addr, e.PC)
	}
	return fmt.Sprintf("%s at pc 0x%x", e.Kind, e.PC)
}

type DebugAction int

const (
	DebugContinue DebugAction = iota
	DebugStepInsn
	// DebugStopLoop returns ExitDebug from Loop.
	DebugStopLoop
)

// DebugHandler decides how to go on after a debug event. It runs on the
// vCPU goroutine with the guest stopped.
type DebugHandler interface {
	DebugStop(c *CPU, ev DebugEvent) DebugAction
}

type debugState struct {
	mu          sync.Mutex
	breakpoints map[uint64]BreakKind
	watchpoints []Watchpoint
	step        bool
	watchDirty  bool

	// resume skips the breakpoint at resumePC once after a stop there.
	resume   bool
	resumePC uint64
	last     DebugEvent
}

// InsertBreakpoint stops the vCPU before the guest instruction at pc.
func (c *CPU) InsertBreakpoint(pc uint64, kind BreakKind) {
	c.debug.mu.Lock()
	c.debug.breakpoints[pc] = kind
	c.debug.mu.Unlock()
	c.debugChanged(pc)
}

func (c *CPU) RemoveBreakpoint(pc uint64) bool {
	c.debug.mu.Lock()
	_, ok := c.debug.breakpoints[pc]
	delete(c.debug.breakpoints, pc)
	c.debug.mu.Unlock()
	if ok {
		c.debugChanged(pc)
	}
	return ok
}

func (c *CPU) Breakpoints() []uint64 {
	c.debug.mu.Lock()
	defer c.debug.mu.Unlock()
	out := make([]uint64, 0, len(c.debug.breakpoints))
	for pc := range c.debug.breakpoints {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *CPU) InsertWatchpoint(addr, n uint64, kind WatchKind) error {
	if n == 0 || kind&WatchAccess == 0 {
		return fmt.Errorf("cpu: bad watchpoint 0x%x+%d %s", addr, n, kind)
	}
	c.debug.mu.Lock()
	c.debug.watchpoints = append(c.debug.watchpoints, Watchpoint{Addr: addr, Len: n, Kind: kind})
	c.debug.watchDirty = true
	c.debug.mu.Unlock()
	return nil
}

func (c *CPU) RemoveWatchpoint(addr, n uint64, kind WatchKind) bool {
	c.debug.mu.Lock()
	defer c.debug.mu.Unlock()
	for i, w := range c.debug.watchpoints {
		if w.Addr == addr && w.Len == n && w.Kind == kind {
			c.debug.watchpoints = append(c.debug.watchpoints[:i], c.debug.watchpoints[i+1:]...)
			c.debug.watchDirty = true
			return true
		}
	}
	return false
}

func (c *CPU) Watchpoints() []Watchpoint {
	c.debug.mu.Lock()
	defer c.debug.mu.Unlock()
	return append([]Watchpoint(nil), c.debug.watchpoints...)
}

// SetSingleStep makes the vCPU stop after every guest instruction.
func (c *CPU) SetSingleStep(on bool) {
	c.debug.mu.Lock()
	c.debug.step = on
	c.debug.mu.Unlock()
	c.jc.Purge()
}

func (c *CPU) SingleStep() bool {
	c.debug.mu.Lock()
	defer c.debug.mu.Unlock()
	return c.debug.step
}

// LastDebugEvent is the event behind the most recent ExitDebug.
func (c *CPU) LastDebugEvent() DebugEvent {
	c.debug.mu.Lock()
	defer c.debug.mu.Unlock()
	return c.debug.last
}

// debugChanged drops blocks translated for pc so the next visit is
// retranslated under the new debug state.
func (c *CPU) debugChanged(pc uint64) {
	c.tr.Cache().InvalidatePC(pc)
	c.jc.Purge()
}

// debugActive reports whether blocks must be single instructions.
func (c *CPU) debugActive() (active, step bool) {
	c.debug.mu.Lock()
	defer c.debug.mu.Unlock()
	return len(c.debug.breakpoints) > 0 || c.debug.step, c.debug.step
}

func (c *CPU) breakpointAt(pc uint64) bool {
	c.debug.mu.Lock()
	defer c.debug.mu.Unlock()
	if c.debug.resume && c.debug.resumePC == pc {
		return false
	}
	_, ok := c.debug.breakpoints[pc]
	return ok
}

func (c *CPU) clearResume() {
	c.debug.mu.Lock()
	c.debug.resume = false
	c.debug.mu.Unlock()
}

// applyWatch pushes changed watchpoints to the machine. Loop goroutine only.
func (c *CPU) applyWatch() {
	c.debug.mu.Lock()
	defer c.debug.mu.Unlock()
	if !c.debug.watchDirty {
		return
	}
	c.debug.watchDirty = false
	c.m.SetWatch(watchRanges(c.debug.watchpoints))
}

func watchRanges(ws []Watchpoint) []machine.WatchRange {
	out := make([]machine.WatchRange, 0, len(ws))
	for _, w := range ws {
		out = append(out, machine.WatchRange{
			Start: machine.GuestBase + w.Addr,
			End:   machine.GuestBase + w.Addr + w.Len,
			Read:  w.Kind&WatchRead != 0,
			Write: w.Kind&WatchWrite != 0,
		})
	}
	return out
}

// debugStop reports ev and returns whether the loop must exit.
func (c *CPU) debugStop(ev DebugEvent) bool {
	c.last = nil
	c.stats.DebugStops++
	c.debug.mu.Lock()
	c.debug.last = ev
	c.debug.mu.Unlock()

	action := DebugStopLoop
	if c.hooks.Debug != nil {
		action = c.hooks.Debug.DebugStop(c, ev)
	}
	c.debug.mu.Lock()
	defer c.debug.mu.Unlock()
	switch action {
	case DebugStepInsn:
		c.debug.step = true
	case DebugContinue:
		c.debug.step = false
	}
	if ev.Kind == DebugBreakpoint {
		c.debug.resume, c.debug.resumePC = true, ev.PC
	}
	return action == DebugStopLoop
}
