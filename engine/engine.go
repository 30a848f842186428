// Package engine ties one guest frontend to the translation core: the code
// buffer, block cache, helper registry and backend are shared by every vCPU
// the engine creates.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dbt/capability"
	"github.com/colorfulnotion/dbt/codebuf"
	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/machine/emu"
	"github.com/colorfulnotion/dbt/tb"
	"github.com/colorfulnotion/dbt/tcg"
	"golang.org/x/sync/errgroup"
)

// Frontend decodes one guest architecture.
type Frontend interface {
	Name() string
	// Helpers returns the frontend's helper declarations and their
	// implementations.
	Helpers() (*helper.Table, map[string]any)
	// Setup loads the guest image into guest memory.
	Setup(guest *machine.GuestMemory) error
	// Translate decodes the block for key into a unit. CFlags in the key
	// bound the instruction count and select serial atomics.
	Translate(key tb.Key, guest *machine.GuestMemory) (*ir.Unit, error)
	// SourceAddr is the guest memory address holding the code at pc.
	SourceAddr(pc uint64) uint64
	// InitCPU sets the initial architectural state of a new vCPU.
	InitCPU(c *cpu.CPU) error
	cpu.ExceptionDelivery
}

type Engine struct {
	cfg   *config.Config
	fe    Frontend
	caps  *capability.Table
	be    tcg.Backend
	buf   *codebuf.Buffer
	cache *tb.Cache
	reg   *helper.Registry
	guest *machine.GuestMemory
	list  *cpu.List

	newMachine machine.Factory
	frame      atomic.Pointer[tcg.Frame]

	mu       sync.Mutex
	cpus     []*cpu.CPU
	machines []machine.Machine
}

// New builds an engine for fe. Helper table mismatches and bad settings
// are reported here, before any guest code runs.
func New(cfg *config.Config, fe Frontend) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	newMachine, err := machine.Lookup(cfg.Machine)
	if err != nil {
		return nil, err
	}
	caps, err := cfg.CapabilityTable()
	if err != nil {
		return nil, err
	}
	probe, err := newMachine()
	if err != nil {
		return nil, err
	}
	caps = caps.Restrict(probe.Capabilities())
	probe.Close()

	table, impls := fe.Helpers()
	if table != nil {
		if table, err = helper.Core().Merge(table); err != nil {
			return nil, err
		}
	} else {
		table = helper.Core()
	}
	reg := helper.NewRegistry(table, machine.HelperBase)
	if err := helper.RegisterAll(reg, helper.CoreImplementations(), impls); err != nil {
		return nil, fmt.Errorf("%s helpers: %w", fe.Name(), err)
	}

	buf, err := codebuf.New(cfg.CodeBufferSize, machine.CodeBase)
	if err != nil {
		return nil, err
	}
	guest, err := machine.NewGuestMemory(cfg.GuestMemory)
	if err != nil {
		buf.Close()
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		fe:         fe,
		caps:       caps,
		be:         tcg.Host(caps),
		buf:        buf,
		reg:        reg,
		guest:      guest,
		list:       cpu.NewList(),
		newMachine: newMachine,
	}
	if err := e.writeFrame(); err != nil {
		e.Close()
		return nil, err
	}
	e.cache = tb.NewCache(buf, guest, cfg.MaxBlocks)
	e.cache.SetExclusive(e.list.Exclusive)
	e.cache.OnFlush(func() {
		e.codeChanged(buf.Base(), buf.Cap())
		if err := e.writeFrame(); err != nil {
			log.Crit(log.Engine, "frame rewrite after flush", "err", err)
		}
	})
	guest.OnCodeWrite = func(start, end uint64) {
		if _, err := e.cache.InvalidateRange(start, end); err != nil {
			log.Warn(log.Engine, "invalidate on write", "start", start, "end", end, "err", err)
		}
	}
	if err := fe.Setup(guest); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s setup: %w", fe.Name(), err)
	}
	log.Info(log.Engine, "engine ready", "frontend", fe.Name(), "machine", cfg.Machine,
		"caps", caps.Name(), "codebuf", cfg.CodeBufferSize, "guest", cfg.GuestMemory)
	return e, nil
}

// writeFrame emits the shared prologue at the start of an empty buffer.
func (e *Engine) writeFrame() error {
	f := e.be.Frame(e.buf.Cursor())
	if _, err := e.buf.Write(f.Base, f.Bytes); err != nil {
		return err
	}
	e.frame.Store(f)
	e.codeChanged(f.Base, len(f.Bytes))
	return nil
}

func (e *Engine) codeChanged(addr uint64, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.machines {
		m.CodeChanged(addr, n)
	}
}

func (e *Engine) Config() *config.Config              { return e.cfg }
func (e *Engine) Frontend() Frontend                  { return e.fe }
func (e *Engine) Capabilities() *capability.Table     { return e.caps }
func (e *Engine) Backend() tcg.Backend                { return e.be }
func (e *Engine) Cache() *tb.Cache                    { return e.cache }
func (e *Engine) Helpers() *helper.Registry           { return e.reg }
func (e *Engine) Guest() *machine.GuestMemory         { return e.guest }
func (e *Engine) List() *cpu.List                     { return e.list }
func (e *Engine) Entry() uint64                       { return e.frame.Load().Entry }
func (e *Engine) Buffer() *codebuf.Buffer             { return e.buf }
func (e *Engine) Frame() *tcg.Frame                   { return e.frame.Load() }
func (e *Engine) Lookup(key tb.Key) (*tb.Block, bool) { return e.cache.Lookup(key) }

// Translate returns the block for key, generating it on a miss.
func (e *Engine) Translate(key tb.Key) (*tb.Block, error) {
	return e.cache.GetOrGenerate(key, e.generate)
}

// generate runs under the cache's generation lock. Running out of buffer
// space returns ErrCodeBufferFull with nothing written; the cache flushes
// and calls again.
func (e *Engine) generate(key tb.Key) (*tb.Block, error) {
	u, err := e.fe.Translate(key, e.guest)
	if err != nil {
		return nil, err
	}
	u.PC, u.Flags, u.CFlags = key.PC, key.Flags, key.CFlags
	code, err := e.be.Emit(u, &tcg.Target{Helpers: e.reg, Base: e.buf.Cursor(), Epilogue: e.frame.Load().Epilogue})
	if err != nil {
		return nil, err
	}
	if _, err := e.buf.Write(code.Base, code.Bytes); err != nil {
		return nil, err
	}
	e.codeChanged(code.Base, len(code.Bytes))
	log.Trace(log.Engine, "generated", "key", key, "host", fmt.Sprintf("0x%x", code.Base),
		"bytes", len(code.Bytes), "ops", len(u.Ops), "helpers", code.HelperCalls, "spills", code.Spills)
	return &tb.Block{
		Key:       key,
		Code:      code,
		Source:    e.fe.SourceAddr(key.PC),
		GuestSize: u.GuestSize,
		Insns:     len(code.Insns),
	}, nil
}

// NewCPU creates a vCPU with its own machine. Exceptions default to the
// frontend.
func (e *Engine) NewCPU(hooks cpu.Hooks) (*cpu.CPU, error) {
	if hooks.Exceptions == nil {
		hooks.Exceptions = e.fe
	}
	m, err := e.newMachine()
	if err != nil {
		return nil, err
	}
	if em, ok := m.(*emu.Emu); ok {
		em.MaxSteps = e.cfg.MaxSteps
	}
	if err := machine.Setup(m, e.guest, e.buf); err != nil {
		m.Close()
		return nil, err
	}
	c, err := cpu.New(m, e, e.list, hooks, cpu.Options{
		JumpCacheSize: e.cfg.JumpCacheSize,
		MaxInsns:      e.cfg.MaxInsns,
		NoChain:       !e.cfg.Chaining,
	})
	if err != nil {
		m.Close()
		return nil, err
	}
	if err := e.fe.InitCPU(c); err != nil {
		c.Close()
		m.Close()
		return nil, fmt.Errorf("%s init cpu: %w", e.fe.Name(), err)
	}
	if e.cfg.SingleStep {
		c.SetSingleStep(true)
	}
	e.mu.Lock()
	e.cpus = append(e.cpus, c)
	e.machines = append(e.machines, m)
	e.mu.Unlock()
	log.Debug(log.Engine, "cpu created", "cpu", c.Index(), "machine", m.Name())
	return c, nil
}

func (e *Engine) CPUs() []*cpu.CPU {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*cpu.CPU(nil), e.cpus...)
}

// WriteGuest stores into guest memory from the runtime. Blocks translated
// from the written bytes are invalidated first.
func (e *Engine) WriteGuest(addr uint64, data []byte) error {
	return e.guest.Poke(addr, data)
}

func (e *Engine) ReadGuest(addr uint64, dst []byte) error {
	return e.guest.Peek(addr, dst)
}

// Result is how one vCPU's loop ended.
type Result struct {
	CPU    int
	Reason cpu.ExitReason
	Err    error
}

// RunAll runs every vCPU on its own goroutine until all loops return. The
// first error cancels the others.
func (e *Engine) RunAll(ctx context.Context) ([]Result, error) {
	cpus := e.CPUs()
	results := make([]Result, len(cpus))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cpus {
		g.Go(func() error {
			reason, err := c.Loop(gctx)
			results[i] = Result{CPU: c.Index(), Reason: reason, Err: err}
			if err != nil {
				return fmt.Errorf("cpu %d: %w", c.Index(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// StopAll asks every vCPU loop to return.
func (e *Engine) StopAll() {
	for _, c := range e.CPUs() {
		c.Stop()
	}
}

// Stats combines the cache and per-cpu counters.
type Stats struct {
	Cache tb.Stats
	CPUs  []cpu.Stats
}

func (e *Engine) Stats() Stats {
	s := Stats{Cache: e.cache.Stats()}
	for _, c := range e.CPUs() {
		s.CPUs = append(s.CPUs, c.Stats())
	}
	return s
}

func (e *Engine) Close() error {
	e.mu.Lock()
	cpus, machines := e.cpus, e.machines
	e.cpus, e.machines = nil, nil
	e.mu.Unlock()
	for _, c := range cpus {
		c.Close()
	}
	var first error
	for _, m := range machines {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.guest != nil {
		if err := e.guest.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := e.buf.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
