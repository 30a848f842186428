// Package tb caches translated blocks by guest pc and mode, chains them
// together and invalidates them when their guest source changes.
package tb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dbt/codebuf"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/tcg"
	"github.com/xlab/treeprint"
	"golang.org/x/sync/singleflight"
)

const DefaultMaxBlocks = 1 << 16

// maxStaleRetries bounds how often one lookup retranslates a block whose
// source keeps changing underneath it.
const maxStaleRetries = 4

// Key identifies a block: the guest pc plus every piece of cpu state the
// translation depends on.
type Key struct {
	PC     uint64
	Flags  uint32
	CFlags uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%x/%x/%x", k.PC, k.Flags, k.CFlags)
}

type link struct {
	from *Block
	slot int
}

// Block is one translated unit resident in the code buffer. Everything but
// the chain state is immutable once the block is in the cache.
type Block struct {
	Key
	Code *tcg.Code
	// Source is the guest address the instructions were read from and
	// GuestSize their length in bytes.
	Source     uint64
	GuestSize  uint64
	Insns      int
	Generation uint64

	pages    []uint64
	jmpDest  [2]*Block
	incoming []link
	invalid  atomic.Bool
}

func (b *Block) HostAddr() uint64 { return b.Code.Base }

func (b *Block) Contains(hostPC uint64) bool {
	return hostPC >= b.Code.Base && hostPC < b.Code.Base+uint64(b.Code.Size())
}

// GuestPC maps a host pc inside the block to the guest instruction that
// produced it.
func (b *Block) GuestPC(hostPC uint64) (uint64, bool) { return b.Code.GuestPC(hostPC) }

// Valid is false once the block was invalidated or flushed.
func (b *Block) Valid() bool { return !b.invalid.Load() }

// Chainable reports whether slot may be patched to jump straight to a
// successor.
func (b *Block) Chainable(slot int) bool {
	if b.CFlags&ir.CFNoChain != 0 || slot < 0 || slot > 1 {
		return false
	}
	_, ok := b.Code.SiteAddr(slot)
	return ok
}

// Overlaps reports whether the block's guest source intersects [start, end).
func (b *Block) Overlaps(start, end uint64) bool {
	size := b.GuestSize
	if size == 0 {
		size = 1
	}
	return start < b.Source+size && b.Source < end
}

// Successor is the block slot currently jumps to, if chained.
func (b *Block) Successor(slot int) *Block { return b.jmpDest[slot] }

func (b *Block) pageSpan() []uint64 {
	size := b.GuestSize
	if size == 0 {
		size = 1
	}
	first, last := b.Source>>machine.PageBits, (b.Source+size-1)>>machine.PageBits
	pages := make([]uint64, 0, last-first+1)
	for p := first; p <= last; p++ {
		pages = append(pages, p)
	}
	return pages
}

// Generator translates the block for key into the code buffer.
type Generator func(key Key) (*Block, error)

type Stats struct {
	Lookups       uint64
	Hits          uint64
	Misses        uint64
	Generated     uint64
	Flushes       uint64
	Invalidations uint64
	Stale         uint64
	Chains        uint64
	Unchains      uint64
	Blocks        int
	Generation    uint64
	CodeUsed      int
	CodeCap       int
}

type counters struct {
	lookups, hits, misses, generated atomic.Uint64
	flushes, invalidations, stale    atomic.Uint64
	chains, unchains                 atomic.Uint64
}

// Cache owns every block and the code buffer they live in. Generation is
// serialized by one lock; lookups only take the read side of the table lock.
type Cache struct {
	buf   *codebuf.Buffer
	guest *machine.GuestMemory

	genMu sync.Mutex
	group singleflight.Group

	mu     sync.RWMutex
	blocks map[Key]*Block
	byPage map[uint64][]*Block
	// hosted lists every block of the current buffer epoch by host address,
	// including invalidated ones still executing.
	hosted     []*Block
	generation atomic.Uint64
	maxBlocks  int

	listenMu     sync.RWMutex
	onFlush      []func()
	onInvalidate []func(*Block)
	onPatch      []func(addr uint64, n int)
	exclusive    func(fn func())

	stats counters
}

func NewCache(buf *codebuf.Buffer, guest *machine.GuestMemory, maxBlocks int) *Cache {
	if maxBlocks <= 0 {
		maxBlocks = DefaultMaxBlocks
	}
	return &Cache{
		buf:       buf,
		guest:     guest,
		blocks:    make(map[Key]*Block),
		byPage:    make(map[uint64][]*Block),
		maxBlocks: maxBlocks,
		exclusive: func(fn func()) { fn() },
	}
}

func (c *Cache) Buffer() *codebuf.Buffer { return c.buf }

// Generation counts flushes. Blocks carry the generation they were made in.
func (c *Cache) Generation() uint64 { return c.generation.Load() }

// OnFlush registers fn to run after every flush, while execution is still
// exclusive. The engine rewrites the shared frame here.
func (c *Cache) OnFlush(fn func()) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onFlush = append(c.onFlush, fn)
}

// OnInvalidate registers fn to run for every block removed outside a flush.
func (c *Cache) OnInvalidate(fn func(*Block)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onInvalidate = append(c.onInvalidate, fn)
}

// OnPatch registers fn to hear about bytes changed in place by chaining.
func (c *Cache) OnPatch(fn func(addr uint64, n int)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onPatch = append(c.onPatch, fn)
}

// SetExclusive installs the function a flush runs under. It must return
// only after fn ran with no vCPU executing generated code.
func (c *Cache) SetExclusive(fn func(fn func())) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.exclusive = fn
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Lookup returns the ready block for key.
func (c *Cache) Lookup(key Key) (*Block, bool) {
	c.stats.lookups.Add(1)
	c.mu.RLock()
	b, ok := c.blocks[key]
	c.mu.RUnlock()
	if ok {
		c.stats.hits.Add(1)
	} else {
		c.stats.misses.Add(1)
	}
	return b, ok
}

// GetOrGenerate returns the ready block for key, generating it on a miss.
// Concurrent callers for one key share a single generation. A generation
// that exhausts the code buffer or the block table flushes everything and
// tries once more.
func (c *Cache) GetOrGenerate(key Key, gen Generator) (*Block, error) {
	if b, ok := c.Lookup(key); ok {
		return b, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		c.genMu.Lock()
		defer c.genMu.Unlock()
		return c.generateLocked(key, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Block), nil
}

func (c *Cache) generateLocked(key Key, gen Generator) (*Block, error) {
	c.mu.RLock()
	b, ok := c.blocks[key]
	full := len(c.blocks) >= c.maxBlocks
	c.mu.RUnlock()
	if ok {
		return b, nil
	}
	if full {
		log.Debug(log.TB, "block table full", "blocks", c.maxBlocks, "err", dbterrors.ErrCacheFull)
		c.flushLocked()
	}
	flushed, stale := false, 0
	for {
		epoch := c.codeEpoch()
		b, err := gen(key)
		if err != nil {
			if flushed || !errors.Is(err, dbterrors.ErrCodeBufferFull) {
				return nil, fmt.Errorf("tb %s: %w", key, err)
			}
			log.Debug(log.TB, "code buffer full", "pc", fmt.Sprintf("0x%x", key.PC), "used", c.buf.Used())
			c.flushLocked()
			flushed = true
			continue
		}
		if c.insert(b, epoch) {
			return b, nil
		}
		// Guest code changed while it was being translated.
		c.stats.stale.Add(1)
		if stale++; stale == maxStaleRetries {
			log.Debug(log.TB, "translation keeps going stale", "pc", fmt.Sprintf("0x%x", key.PC))
			return b, nil
		}
	}
}

func (c *Cache) codeEpoch() uint64 {
	if c.guest == nil {
		return 0
	}
	return c.guest.CodeEpoch()
}

// insert publishes b unless guest code changed since epoch was read. A
// rejected block is returned to callers already invalid, so it never runs
// or chains and the next lookup translates again.
func (c *Cache) insert(b *Block, epoch uint64) bool {
	b.Generation = c.generation.Load()
	b.pages = b.pageSpan()
	if c.guest != nil {
		for _, p := range b.pages {
			c.guest.SetCode(p << machine.PageBits)
		}
	}
	c.mu.Lock()
	if c.codeEpoch() != epoch {
		c.mu.Unlock()
		b.invalid.Store(true)
		return false
	}
	c.blocks[b.Key] = b
	for _, p := range b.pages {
		c.byPage[p] = append(c.byPage[p], b)
	}
	c.hosted = append(c.hosted, b)
	c.mu.Unlock()
	c.stats.generated.Add(1)
	log.Trace(log.TB, "block ready", "pc", fmt.Sprintf("0x%x", b.PC), "host", fmt.Sprintf("0x%x", b.Code.Base),
		"size", b.Code.Size(), "guest", b.GuestSize)
	return true
}

func (c *Cache) patched(addr uint64, n int) {
	c.listenMu.RLock()
	defer c.listenMu.RUnlock()
	for _, fn := range c.onPatch {
		fn(addr, n)
	}
}

// Chain patches slot of from to jump straight into to. It is a no-op when
// the slot cannot chain or either block is gone.
func (c *Cache) Chain(from *Block, slot int, to *Block) error {
	if !from.Chainable(slot) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !from.Valid() || !to.Valid() || from.Generation != to.Generation || from.jmpDest[slot] != nil {
		return nil
	}
	site, _ := from.Code.SiteAddr(slot)
	if err := c.buf.PatchRel32(site, to.Code.Base); err != nil {
		return err
	}
	from.jmpDest[slot] = to
	to.incoming = append(to.incoming, link{from: from, slot: slot})
	c.stats.chains.Add(1)
	c.patched(site, 4)
	log.Trace(log.TB, "chained", "from", fmt.Sprintf("0x%x", from.PC), "slot", slot, "to", fmt.Sprintf("0x%x", to.PC))
	return nil
}

// Unchain points slot of from back at its exit stub.
func (c *Cache) Unchain(from *Block, slot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unchainLocked(from, slot)
}

func (c *Cache) unchainLocked(from *Block, slot int) error {
	to := from.jmpDest[slot]
	if to == nil {
		return nil
	}
	site, _ := from.Code.SiteAddr(slot)
	if err := c.buf.PatchRel32(site, from.Code.ResetAddr(slot)); err != nil {
		return err
	}
	from.jmpDest[slot] = nil
	for i, l := range to.incoming {
		if l.from == from && l.slot == slot {
			to.incoming = append(to.incoming[:i], to.incoming[i+1:]...)
			break
		}
	}
	c.stats.unchains.Add(1)
	c.patched(site, 4)
	return nil
}

// Invalidate removes b. Jumps into it are unchained before this returns, so
// no vCPU can reach it through a chain afterwards.
func (c *Cache) Invalidate(b *Block) error {
	c.mu.Lock()
	err := c.invalidateLocked(b)
	c.mu.Unlock()
	if err == nil {
		c.invalidated([]*Block{b})
	}
	return err
}

func (c *Cache) invalidateLocked(b *Block) error {
	if b.invalid.Swap(true) {
		return nil
	}
	if c.blocks[b.Key] == b {
		delete(c.blocks, b.Key)
	}
	for _, p := range b.pages {
		list := c.byPage[p]
		for i, o := range list {
			if o == b {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(c.byPage, p)
			if c.guest != nil {
				c.guest.ClearCode(p)
			}
		} else {
			c.byPage[p] = list
		}
	}
	for len(b.incoming) > 0 {
		l := b.incoming[0]
		if err := c.unchainLocked(l.from, l.slot); err != nil {
			return err
		}
	}
	for slot := range b.jmpDest {
		if err := c.unchainLocked(b, slot); err != nil {
			return err
		}
	}
	c.stats.invalidations.Add(1)
	return nil
}

func (c *Cache) invalidated(blocks []*Block) {
	c.listenMu.RLock()
	defer c.listenMu.RUnlock()
	for _, b := range blocks {
		for _, fn := range c.onInvalidate {
			fn(b)
		}
	}
}

// InvalidateRange removes every block whose guest source overlaps
// [start, end) and returns how many went.
func (c *Cache) InvalidateRange(start, end uint64) (int, error) {
	if end <= start {
		return 0, nil
	}
	c.mu.Lock()
	var gone []*Block
	seen := make(map[*Block]bool)
	for p := start >> machine.PageBits; p <= (end-1)>>machine.PageBits; p++ {
		for _, b := range c.byPage[p] {
			if !seen[b] && b.Overlaps(start, end) {
				seen[b] = true
				gone = append(gone, b)
			}
		}
	}
	var err error
	for _, b := range gone {
		if err = c.invalidateLocked(b); err != nil {
			break
		}
	}
	c.mu.Unlock()
	if len(gone) > 0 {
		log.Debug(log.TB, "invalidated", "start", fmt.Sprintf("0x%x", start), "end", fmt.Sprintf("0x%x", end), "blocks", len(gone))
		c.invalidated(gone)
	}
	return len(gone), err
}

// InvalidatePC removes every block whose key pc is pc, in any mode.
func (c *Cache) InvalidatePC(pc uint64) int {
	c.mu.Lock()
	var gone []*Block
	for k, b := range c.blocks {
		if k.PC == pc {
			gone = append(gone, b)
		}
	}
	for _, b := range gone {
		if err := c.invalidateLocked(b); err != nil {
			log.Warn(log.TB, "invalidate failed", "pc", fmt.Sprintf("0x%x", pc), "err", err)
		}
	}
	c.mu.Unlock()
	c.invalidated(gone)
	return len(gone)
}

// Flush drops every block and resets the code buffer.
func (c *Cache) Flush() {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.flushLocked()
}

func (c *Cache) flushLocked() {
	c.listenMu.RLock()
	exclusive := c.exclusive
	c.listenMu.RUnlock()
	exclusive(func() {
		c.mu.Lock()
		for _, b := range c.hosted {
			b.invalid.Store(true)
		}
		if c.guest != nil {
			for p := range c.byPage {
				c.guest.ClearCode(p)
			}
		}
		c.blocks = make(map[Key]*Block)
		c.byPage = make(map[uint64][]*Block)
		c.hosted = nil
		c.buf.Reset()
		gen := c.generation.Add(1)
		c.mu.Unlock()
		c.stats.flushes.Add(1)
		log.Debug(log.TB, "flushed", "generation", gen)

		c.listenMu.RLock()
		defer c.listenMu.RUnlock()
		for _, fn := range c.onFlush {
			fn()
		}
	})
}

// FindByHost returns the block whose code contains hostPC. Invalidated
// blocks of the current buffer epoch are still found.
func (c *Cache) FindByHost(hostPC uint64) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.hosted), func(i int) bool { return c.hosted[i].Code.Base > hostPC })
	if i == 0 {
		return nil, false
	}
	b := c.hosted[i-1]
	return b, b.Contains(hostPC)
}

// Blocks returns the ready blocks ordered by guest pc.
func (c *Cache) Blocks() []*Block {
	c.mu.RLock()
	out := make([]*Block, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, b)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].PC != out[j].PC {
			return out[i].PC < out[j].PC
		}
		return out[i].Code.Base < out[j].Code.Base
	})
	return out
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.blocks)
	c.mu.RUnlock()
	return Stats{
		Lookups:       c.stats.lookups.Load(),
		Hits:          c.stats.hits.Load(),
		Misses:        c.stats.misses.Load(),
		Generated:     c.stats.generated.Load(),
		Flushes:       c.stats.flushes.Load(),
		Invalidations: c.stats.invalidations.Load(),
		Stale:         c.stats.stale.Load(),
		Chains:        c.stats.chains.Load(),
		Unchains:      c.stats.unchains.Load(),
		Blocks:        n,
		Generation:    c.generation.Load(),
		CodeUsed:      c.buf.Used(),
		CodeCap:       c.buf.Cap(),
	}
}

func (b *Block) label() string {
	return fmt.Sprintf("0x%x [host 0x%x, %d bytes, %d insns]", b.PC, b.Code.Base, b.Code.Size(), b.Insns)
}

func (b *Block) toTree(tree treeprint.Tree, seen map[*Block]bool) {
	for slot, next := range b.jmpDest {
		if next == nil {
			continue
		}
		if seen[next] {
			tree.AddNode(fmt.Sprintf("slot %d -> 0x%x (loop)", slot, next.PC))
			continue
		}
		seen[next] = true
		branch := tree.AddBranch(fmt.Sprintf("slot %d -> %s", slot, next.label()))
		next.toTree(branch, seen)
	}
}

// ChainTree renders the chain graph, one root per block nothing chains
// into. Blocks only reachable through a cycle get a root of their own.
func (c *Cache) ChainTree() treeprint.Tree {
	blocks := c.Blocks()
	c.mu.RLock()
	defer c.mu.RUnlock()
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("generation %d, %d blocks", c.generation.Load(), len(blocks)))
	seen := make(map[*Block]bool)
	for _, b := range blocks {
		if len(b.incoming) == 0 {
			seen[b] = true
			b.toTree(tree.AddBranch(b.label()), seen)
		}
	}
	for _, b := range blocks {
		if !seen[b] {
			seen[b] = true
			b.toTree(tree.AddBranch(b.label()), seen)
		}
	}
	return tree
}
