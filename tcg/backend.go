// Package tcg lowers IR units to host code. The only host is x86-64: the
// machine layer runs the generated code natively or under emulation.
package tcg

import (
	"fmt"
	"sort"
	"sync"

	"github.com/colorfulnotion/dbt/capability"
	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/x86"
)

// Exit values returned in rax by generated code. A chainable exit is the
// block entry address with the goto_tb slot in the low bits.
const (
	ExitSlotMask  = 3
	ExitRequested = 2
)

// Backend turns one unit into host code placed at Target.Base.
type Backend interface {
	Name() string
	Capabilities() *capability.Table
	// Frame builds the shared entry and exit code for a buffer at base.
	Frame(base uint64) *Frame
	Emit(u *ir.Unit, t *Target) (*Code, error)
}

// Target is where and against what a unit is emitted.
type Target struct {
	Helpers *helper.Registry
	// Base is the address the code will be written to.
	Base     uint64
	Epilogue uint64
}

// InsnMark maps the start of a guest instruction to its host code offset.
type InsnMark struct {
	GuestPC uint64
	HostOff int
}

type Code struct {
	Bytes []byte
	Base  uint64
	// JumpSite is the offset of each goto_tb rel32 field, -1 when the slot
	// is unused. JumpReset is where the field points while unchained.
	JumpSite  [2]int
	JumpReset [2]int
	Insns     []InsnMark

	HelperCalls int
	Spills      int
	SpillSlots  int
}

func (c *Code) Size() int { return len(c.Bytes) }

// SiteAddr is the absolute address of slot's patch site.
func (c *Code) SiteAddr(slot int) (uint64, bool) {
	if c.JumpSite[slot] < 0 {
		return 0, false
	}
	return c.Base + uint64(c.JumpSite[slot]), true
}

func (c *Code) ResetAddr(slot int) uint64 { return c.Base + uint64(c.JumpReset[slot]) }

// GuestPC recovers the guest pc of the instruction that host address pc
// belongs to.
func (c *Code) GuestPC(pc uint64) (uint64, bool) {
	if pc < c.Base || pc >= c.Base+uint64(len(c.Bytes)) || len(c.Insns) == 0 {
		return 0, false
	}
	off := int(pc - c.Base)
	i := sort.Search(len(c.Insns), func(i int) bool { return c.Insns[i].HostOff > off })
	if i == 0 {
		return c.Insns[0].GuestPC, true
	}
	return c.Insns[i-1].GuestPC, true
}

func (c *Code) Disassemble() string { return x86.Disassemble(c.Bytes, c.Base) }

// Frame is the prologue and epilogue shared by every block in one buffer.
// The prologue is entered as f(env, tb) and jumps to tb; blocks leave by
// jumping to the epilogue with the exit value in rax.
type Frame struct {
	Bytes    []byte
	Base     uint64
	Entry    uint64
	Epilogue uint64
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]func(*capability.Table) Backend{}
)

// Register makes a backend constructor available by name.
func Register(name string, ctor func(*capability.Table) Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = ctor
}

// New builds the named backend restricted to caps.
func New(name string, caps *capability.Table) (Backend, error) {
	backendsMu.RLock()
	ctor, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tcg: unknown backend %q", name)
	}
	return ctor(caps), nil
}

// Host is the backend for the machine generated code runs on.
func Host(caps *capability.Table) Backend {
	b, _ := New(HostName, caps)
	return b
}

const HostName = "x86_64"

func init() {
	Register(HostName, func(caps *capability.Table) Backend { return NewX86_64(caps) })
}
