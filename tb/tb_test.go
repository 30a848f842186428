package tb

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/colorfulnotion/dbt/capability"
	"github.com/colorfulnotion/dbt/codebuf"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/ir"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/machine/emu"
	"github.com/colorfulnotion/dbt/tcg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	t     *testing.T
	buf   *codebuf.Buffer
	guest *machine.GuestMemory
	cache *Cache
	reg   *helper.Registry
	be    tcg.Backend
	frame *tcg.Frame
	m     *emu.Emu
}

func newRig(t *testing.T, bufSize, maxBlocks int) *rig {
	t.Helper()
	buf, err := codebuf.New(bufSize, machine.CodeBase)
	require.NoError(t, err)
	guest, err := machine.NewGuestMemory(1 << 16)
	require.NoError(t, err)
	require.NoError(t, guest.Map(0, 1<<16, machine.PermRW))
	t.Cleanup(func() {
		buf.Close()
		guest.Close()
	})
	reg := helper.NewRegistry(helper.Core(), machine.HelperBase)
	require.NoError(t, helper.RegisterAll(reg, helper.CoreImplementations()))

	m := emu.New()
	m.MaxSteps = 100_000
	require.NoError(t, machine.Setup(m, guest, buf))

	r := &rig{t: t, buf: buf, guest: guest, reg: reg, m: m,
		be: tcg.NewX86_64(capability.Baseline().Restrict(m.Capabilities()))}
	r.writeFrame()
	r.cache = NewCache(buf, guest, maxBlocks)
	r.cache.OnFlush(r.writeFrame)
	return r
}

func (r *rig) writeFrame() {
	r.frame = r.be.Frame(r.buf.Cursor())
	_, err := r.buf.Write(r.frame.Base, r.frame.Bytes)
	require.NoError(r.t, err)
}

// filler writes n bytes of int3 per block, standing in for a translation.
func (r *rig) filler(n int, calls *atomic.Int32) Generator {
	return func(k Key) (*Block, error) {
		calls.Add(1)
		base := r.buf.Cursor()
		code := &tcg.Code{Bytes: bytes.Repeat([]byte{0xcc}, n), Base: base,
			JumpSite: [2]int{-1, -1}, JumpReset: [2]int{-1, -1}}
		if _, err := r.buf.Write(base, code.Bytes); err != nil {
			return nil, err
		}
		return &Block{Key: k, Code: code, Source: k.PC, GuestSize: 4, Insns: 1}, nil
	}
}

// translate emits u as the block for its pc.
func (r *rig) translate(u *ir.Unit, size uint64) Generator {
	return func(k Key) (*Block, error) {
		code, err := r.be.Emit(u, &tcg.Target{Helpers: r.reg, Base: r.buf.Cursor(), Epilogue: r.frame.Epilogue})
		if err != nil {
			return nil, err
		}
		if _, err := r.buf.Write(code.Base, code.Bytes); err != nil {
			return nil, err
		}
		return &Block{Key: k, Code: code, Source: k.PC, GuestSize: size, Insns: len(code.Insns)}, nil
	}
}

func (r *rig) get(key Key, gen Generator) *Block {
	r.t.Helper()
	b, err := r.cache.GetOrGenerate(key, gen)
	require.NoError(r.t, err)
	return b
}

func (r *rig) run(b *Block) uint64 {
	r.t.Helper()
	stop, err := r.m.Run(context.Background(), r.frame.Entry, machine.EnvBase, b.HostAddr())
	require.NoError(r.t, err)
	require.Equal(r.t, machine.StopReturned, stop.Reason, stop.Fault)
	return stop.Value
}

func (r *rig) global(i int) uint64 {
	var b [8]byte
	require.NoError(r.t, r.m.Read(machine.EnvBase+uint64(machine.EnvGuest+8*i), b[:]))
	return binary.LittleEndian.Uint64(b[:])
}

func (r *rig) setGlobal(i int, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	require.NoError(r.t, r.m.Write(machine.EnvBase+uint64(machine.EnvGuest+8*i), b[:]))
}

func reg(u *ir.Unit, i int) ir.Temp {
	return u.Global(ir.I64, "r"+string(rune('0'+i)), int32(machine.EnvGuest+8*i))
}

// branchUnit leaves through slot 0 when r1 is nonzero, slot 1 otherwise.
func branchUnit(pc uint64) *ir.Unit {
	u := ir.NewUnit(pc, 0, 0)
	taken := u.NewLabel()
	u.InsnStart(pc)
	u.Brcond(ir.CondEQ, reg(u, 1), u.Const(ir.I64, 0), taken)
	u.GotoTB(0)
	u.ExitTB(0)
	u.SetLabel(taken)
	u.GotoTB(1)
	u.ExitTB(1)
	return u
}

// storeUnit sets r2 to v and returns to the dispatcher.
func storeUnit(pc, v uint64) *ir.Unit {
	u := ir.NewUnit(pc, 0, 0)
	u.InsnStart(pc)
	u.Mov(reg(u, 2), u.Const(ir.I64, v))
	u.ExitTB(-1)
	return u
}

func TestLookupIsIdempotent(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	var calls atomic.Int32
	key := Key{PC: 0x1000}

	_, ok := r.cache.Lookup(key)
	assert.False(t, ok)
	b := r.get(key, r.filler(32, &calls))
	for i := 0; i < 3; i++ {
		again, ok := r.cache.Lookup(key)
		require.True(t, ok)
		assert.Same(t, b, again)
		assert.Same(t, b, r.get(key, r.filler(32, &calls)))
	}
	assert.EqualValues(t, 1, calls.Load())

	other := r.get(Key{PC: 0x1000, Flags: 1}, r.filler(32, &calls))
	assert.NotSame(t, b, other, "flags are part of the key")

	st := r.cache.Stats()
	assert.EqualValues(t, 2, st.Generated)
	assert.Equal(t, 2, st.Blocks)
	assert.Equal(t, st.Lookups, st.Hits+st.Misses)
}

func TestConcurrentGenerationIsShared(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	var calls atomic.Int32
	release := make(chan struct{})
	fill := r.filler(32, &calls)
	slow := func(k Key) (*Block, error) {
		<-release
		return fill(k)
	}

	key := Key{PC: 0x4000}
	const n = 8
	got := make([]*Block, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := r.cache.GetOrGenerate(key, slow)
			assert.NoError(t, err)
			got[i] = b
		}(i)
	}
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}

func TestGenerationErrorIsNotCached(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	var calls int
	bad := func(k Key) (*Block, error) {
		calls++
		return nil, dbterrors.ErrUnsupportedOp
	}
	_, err := r.cache.GetOrGenerate(Key{PC: 0x10}, bad)
	require.ErrorIs(t, err, dbterrors.ErrUnsupportedOp)
	assert.Equal(t, 1, calls, "only resource errors are retried")
	assert.Zero(t, r.cache.Len())
	assert.Zero(t, r.cache.Generation())
}

func TestChainAndUnchainOnInvalidate(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	a := r.get(Key{PC: 0x1000}, r.translate(branchUnit(0x1000), 4))
	b := r.get(Key{PC: 0x2000}, r.translate(storeUnit(0x2000, 99), 4))

	r.setGlobal(1, 5)
	assert.Equal(t, a.HostAddr()|0, r.run(a))

	var patches []uint64
	r.cache.OnPatch(func(addr uint64, n int) {
		assert.Equal(t, 4, n)
		patches = append(patches, addr)
	})
	require.NoError(t, r.cache.Chain(a, 0, b))
	site, _ := a.Code.SiteAddr(0)
	target, err := r.buf.Rel32Target(site)
	require.NoError(t, err)
	assert.Equal(t, b.HostAddr(), target)
	assert.Same(t, b, a.Successor(0))
	assert.Equal(t, []uint64{site}, patches)

	assert.Zero(t, r.run(a), "the chained block exits through the dispatcher")
	assert.Equal(t, uint64(99), r.global(2))

	var dropped []*Block
	r.cache.OnInvalidate(func(b *Block) { dropped = append(dropped, b) })
	require.NoError(t, r.cache.Invalidate(b))
	assert.False(t, b.Valid())
	assert.Equal(t, []*Block{b}, dropped)

	target, err = r.buf.Rel32Target(site)
	require.NoError(t, err)
	assert.Equal(t, a.Code.ResetAddr(0), target)
	assert.Nil(t, a.Successor(0))

	r.setGlobal(2, 0)
	assert.Equal(t, a.HostAddr()|0, r.run(a))
	assert.Zero(t, r.global(2))
	_, ok := r.cache.Lookup(b.Key)
	assert.False(t, ok)

	st := r.cache.Stats()
	assert.EqualValues(t, 1, st.Chains)
	assert.EqualValues(t, 1, st.Unchains)
	assert.EqualValues(t, 1, st.Invalidations)
}

func TestChainRefusedWhenNotChainable(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	u := branchUnit(0x1000)
	u.CFlags |= ir.CFNoChain
	a := r.get(Key{PC: 0x1000, CFlags: ir.CFNoChain}, r.translate(u, 4))
	b := r.get(Key{PC: 0x2000}, r.translate(storeUnit(0x2000, 1), 4))

	require.NoError(t, r.cache.Chain(a, 0, b))
	assert.Nil(t, a.Successor(0))

	c := r.get(Key{PC: 0x3000}, r.translate(branchUnit(0x3000), 4))
	require.NoError(t, r.cache.Invalidate(b))
	require.NoError(t, r.cache.Chain(c, 0, b), "chaining into a dead block is a no-op")
	assert.Nil(t, c.Successor(0))
	assert.Zero(t, r.cache.Stats().Chains)
}

func TestInvalidateRangeUsesPageIndex(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	var calls atomic.Int32
	fill := r.filler(16, &calls)
	sized := func(size uint64) Generator {
		return func(k Key) (*Block, error) {
			b, err := fill(k)
			if err == nil {
				b.GuestSize = size
			}
			return b, err
		}
	}
	first := r.get(Key{PC: 0x1000}, sized(8))
	straddle := r.get(Key{PC: 0x1ff8}, sized(16))
	other := r.get(Key{PC: 0x3000}, sized(8))

	for _, addr := range []uint64{0x1000, 0x2000, 0x3000} {
		assert.True(t, r.guest.IsCode(addr), "page of 0x%x", addr)
	}
	assert.False(t, r.guest.IsCode(0x4000))

	n, err := r.cache.InvalidateRange(0x1010, 0x1020)
	require.NoError(t, err)
	assert.Zero(t, n, "same page but no overlap")

	n, err = r.cache.InvalidateRange(0x2000, 0x2001)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, straddle.Valid())
	assert.True(t, first.Valid())
	assert.True(t, other.Valid())
	assert.True(t, r.guest.IsCode(0x1000), "page still holds another block")
	assert.False(t, r.guest.IsCode(0x2000))

	r.guest.OnCodeWrite = func(start, end uint64) {
		_, err := r.cache.InvalidateRange(start, end)
		assert.NoError(t, err)
	}
	require.NoError(t, r.guest.Write(0x1004, []byte{1, 2}))
	_, ok := r.cache.Lookup(first.Key)
	assert.False(t, ok, "write into the source is a miss on the next lookup")
	assert.False(t, r.guest.IsCode(0x1000))
	_, ok = r.cache.Lookup(other.Key)
	assert.True(t, ok)
}

// A store into the source page while the block is being translated must
// keep the translation from being published.
func TestWriteDuringTranslationIsNotPublished(t *testing.T) {
	stores := map[string]func(g *machine.GuestMemory){
		"runtime write": func(g *machine.GuestMemory) {
			require.NoError(t, g.Write(0x1000, []byte{0x42}))
		},
		"machine store": func(g *machine.GuestMemory) {
			g.Bytes()[0x1000] = 0x42
			g.Written(0x1000, 1)
		},
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, 1<<16, 0)
			var seen []byte
			r.guest.OnCodeWrite = func(start, end uint64) {
				var b [1]byte
				require.NoError(t, r.guest.Peek(start, b[:]))
				seen = append(seen, b[0])
				_, err := r.cache.InvalidateRange(start, end)
				assert.NoError(t, err)
			}
			var calls atomic.Int32
			fill := r.filler(16, &calls)
			var from []byte
			gen := func(k Key) (*Block, error) {
				var b [1]byte
				require.NoError(t, r.guest.Fetch(k.PC, b[:]))
				from = append(from, b[0])
				if len(from) == 1 {
					store(r.guest)
				}
				return fill(k)
			}

			b := r.get(Key{PC: 0x1000}, gen)
			assert.Equal(t, []byte{0x00, 0x42}, from, "translated again after the store")
			assert.Equal(t, []byte{0x42}, seen, "listeners run after the bytes changed")
			assert.True(t, b.Valid())
			got, ok := r.cache.Lookup(Key{PC: 0x1000})
			require.True(t, ok)
			assert.Same(t, b, got)
			assert.Equal(t, uint64(1), r.cache.Stats().Stale)
			assert.Equal(t, 1, r.cache.Len())
		})
	}
}

func TestSourceThatNeverSettlesIsNotCached(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	var calls atomic.Int32
	fill := r.filler(16, &calls)
	gen := func(k Key) (*Block, error) {
		var b [1]byte
		require.NoError(t, r.guest.Fetch(k.PC, b[:]))
		require.NoError(t, r.guest.Write(k.PC, []byte{b[0] + 1}))
		return fill(k)
	}
	b := r.get(Key{PC: 0x2000}, gen)
	assert.False(t, b.Valid())
	assert.Equal(t, int32(maxStaleRetries), calls.Load())
	assert.Zero(t, r.cache.Len())
	_, ok := r.cache.FindByHost(b.HostAddr())
	assert.False(t, ok)
}

func TestInvalidatePCDropsEveryMode(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	var calls atomic.Int32
	r.get(Key{PC: 0x800}, r.filler(16, &calls))
	r.get(Key{PC: 0x800, CFlags: ir.CFSingleStep}, r.filler(16, &calls))
	keep := r.get(Key{PC: 0x804}, r.filler(16, &calls))

	assert.Equal(t, 2, r.cache.InvalidatePC(0x800))
	assert.Equal(t, []*Block{keep}, r.cache.Blocks())
}

func TestCodeBufferFullFlushesAndRegenerates(t *testing.T) {
	r := newRig(t, 1024, 0)
	var calls atomic.Int32
	fill := r.filler(300, &calls)

	var early []*Block
	for pc := uint64(0); pc < 3; pc++ {
		early = append(early, r.get(Key{PC: pc * 0x100}, fill))
	}
	require.Equal(t, 3, r.cache.Len())

	var atFlush []int
	r.cache.OnFlush(func() { atFlush = append(atFlush, r.cache.Len()) })

	key := Key{PC: 0x900}
	b := r.get(key, fill)
	assert.Equal(t, []int{0}, atFlush, "no ready entries survive the flush")
	assert.EqualValues(t, 5, calls.Load(), "the overflowing block was generated twice")
	assert.EqualValues(t, 1, r.cache.Generation())
	assert.EqualValues(t, 1, b.Generation)
	assert.Equal(t, 1, r.cache.Len())
	assert.Greater(t, b.HostAddr(), r.frame.Epilogue, "fresh buffer starts after the rewritten frame")

	for _, e := range early {
		assert.False(t, e.Valid())
		_, ok := r.cache.Lookup(e.Key)
		assert.False(t, ok)
	}
	again := r.get(early[0].Key, fill)
	assert.NotSame(t, early[0], again)
	assert.EqualValues(t, 6, calls.Load())
}

func TestUnitLargerThanBufferFails(t *testing.T) {
	r := newRig(t, 512, 0)
	var calls atomic.Int32
	_, err := r.cache.GetOrGenerate(Key{PC: 1}, r.filler(1024, &calls))
	require.ErrorIs(t, err, dbterrors.ErrCodeBufferFull)
	assert.EqualValues(t, 2, calls.Load())
	assert.Zero(t, r.cache.Len())
}

func TestBlockTableFullFlushes(t *testing.T) {
	r := newRig(t, 1<<16, 2)
	var calls atomic.Int32
	fill := r.filler(16, &calls)
	a := r.get(Key{PC: 0x10}, fill)
	r.get(Key{PC: 0x20}, fill)
	assert.Zero(t, r.cache.Generation())

	c := r.get(Key{PC: 0x30}, fill)
	assert.EqualValues(t, 1, r.cache.Generation())
	assert.False(t, a.Valid())
	assert.Equal(t, []*Block{c}, r.cache.Blocks())
	assert.EqualValues(t, 1, r.cache.Stats().Flushes)
}

func TestFlush(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	a := r.get(Key{PC: 0x1000}, r.translate(branchUnit(0x1000), 4))
	b := r.get(Key{PC: 0x2000}, r.translate(storeUnit(0x2000, 7), 4))
	require.NoError(t, r.cache.Chain(a, 1, b))
	require.True(t, r.guest.IsCode(0x1000))

	var exclusive int
	r.cache.SetExclusive(func(fn func()) {
		exclusive++
		fn()
	})
	epoch := r.buf.Epoch()
	r.cache.Flush()

	assert.Equal(t, 1, exclusive)
	assert.Equal(t, epoch+1, r.buf.Epoch())
	assert.False(t, a.Valid())
	assert.False(t, b.Valid())
	assert.False(t, r.guest.IsCode(0x1000))
	assert.Zero(t, r.cache.Len())
	_, ok := r.cache.FindByHost(a.HostAddr())
	assert.False(t, ok)

	fresh := r.get(Key{PC: 0x2000}, r.translate(storeUnit(0x2000, 7), 4))
	assert.Zero(t, r.run(fresh))
	assert.Equal(t, uint64(7), r.global(2))
}

func TestFindByHost(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	a := r.get(Key{PC: 0x1000}, r.translate(branchUnit(0x1000), 4))
	b := r.get(Key{PC: 0x2000}, r.translate(storeUnit(0x2000, 1), 4))

	got, ok := r.cache.FindByHost(a.HostAddr() + 3)
	require.True(t, ok)
	assert.Same(t, a, got)
	got, ok = r.cache.FindByHost(b.HostAddr() + uint64(b.Code.Size()) - 1)
	require.True(t, ok)
	assert.Same(t, b, got)
	_, ok = r.cache.FindByHost(r.frame.Entry)
	assert.False(t, ok)

	pc, ok := got.GuestPC(b.HostAddr() + 1)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), pc)

	require.NoError(t, r.cache.Invalidate(a))
	got, ok = r.cache.FindByHost(a.HostAddr())
	require.True(t, ok, "an invalidated block may still be executing")
	assert.False(t, got.Valid())
}

func TestChainTree(t *testing.T) {
	r := newRig(t, 1<<16, 0)
	a := r.get(Key{PC: 0x1000}, r.translate(branchUnit(0x1000), 4))
	b := r.get(Key{PC: 0x2000}, r.translate(branchUnit(0x2000), 4))
	c := r.get(Key{PC: 0x3000}, r.translate(storeUnit(0x3000, 1), 4))
	require.NoError(t, r.cache.Chain(a, 0, b))
	require.NoError(t, r.cache.Chain(b, 1, c))
	require.NoError(t, r.cache.Chain(b, 0, a))

	out := r.cache.ChainTree().String()
	assert.Contains(t, out, "generation 0, 3 blocks")
	assert.Contains(t, out, "slot 0 -> 0x2000")
	assert.Contains(t, out, "slot 1 -> 0x3000")
	assert.Contains(t, out, "slot 0 -> 0x1000 (loop)")
}
