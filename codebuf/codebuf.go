// Package codebuf holds the single executable region that generated code is
// written into. It only grows until a full reset.
package codebuf

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/colorfulnotion/dbt/dbterrors"
)

const (
	DefaultSize = 16 << 20
	// BlockAlign keeps every block entry and patch site inside one cache line group.
	BlockAlign = 16
)

type Buffer struct {
	mu     sync.Mutex
	mem    []byte
	base   uint64
	used   int
	epoch  atomic.Uint64
	mapped bool
}

// New allocates size bytes that generated code sees at address base.
func New(size int, base uint64) (*Buffer, error) {
	if size <= 0 || size%BlockAlign != 0 {
		return nil, fmt.Errorf("codebuf: size %d must be a positive multiple of %d", size, BlockAlign)
	}
	mem, mapped, err := allocate(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{mem: mem, base: base, mapped: mapped}, nil
}

func (b *Buffer) Base() uint64 { return b.base }
func (b *Buffer) Cap() int     { return len(b.mem) }

// Epoch increments on every Reset. Addresses from an older epoch are stale.
func (b *Buffer) Epoch() uint64 { return b.epoch.Load() }

func (b *Buffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *Buffer) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mem) - b.used
}

// Cursor is the address the next aligned Write will land at.
func (b *Buffer) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + uint64(alignUp(b.used, BlockAlign))
}

func (b *Buffer) Contains(addr uint64) bool {
	return addr >= b.base && addr < b.base+uint64(len(b.mem))
}

func alignUp(v, a int) int { return (v + a - 1) &^ (a - 1) }

// Write copies code at the aligned cursor. expect is the address the code was
// assembled for (from Cursor); a cursor that has moved since is an error.
func (b *Buffer) Write(expect uint64, code []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := alignUp(b.used, BlockAlign)
	addr := b.base + uint64(start)
	if addr != expect {
		return 0, fmt.Errorf("codebuf: cursor moved from 0x%x to 0x%x", expect, addr)
	}
	if start+len(code) > len(b.mem) {
		return 0, dbterrors.ErrCodeBufferFull
	}
	copy(b.mem[start:], code)
	b.used = start + len(code)
	return addr, nil
}

// Reset discards every block. Callers must guarantee no vCPU is executing
// from the buffer.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.mem[:b.used])
	b.used = 0
	b.epoch.Add(1)
}

func (b *Buffer) word(addr uint64) (*uint32, error) {
	if !b.Contains(addr) || !b.Contains(addr+3) {
		return nil, fmt.Errorf("codebuf: 0x%x outside buffer", addr)
	}
	if addr%4 != 0 {
		return nil, fmt.Errorf("codebuf: patch site 0x%x not 4-byte aligned", addr)
	}
	return (*uint32)(unsafe.Pointer(&b.mem[addr-b.base])), nil
}

// PatchRel32 points the rel32 field at site to target with a single aligned
// store, so a concurrent reader sees the old or the new displacement.
func (b *Buffer) PatchRel32(site, target uint64) error {
	p, err := b.word(site)
	if err != nil {
		return err
	}
	rel := int64(target) - int64(site+4)
	if rel < -1<<31 || rel >= 1<<31 {
		return fmt.Errorf("codebuf: target 0x%x out of rel32 range from 0x%x", target, site)
	}
	atomic.StoreUint32(p, uint32(int32(rel)))
	return nil
}

// Rel32Target decodes the current destination of the rel32 field at site.
func (b *Buffer) Rel32Target(site uint64) (uint64, error) {
	p, err := b.word(site)
	if err != nil {
		return 0, err
	}
	return uint64(int64(site+4) + int64(int32(atomic.LoadUint32(p)))), nil
}

// Read copies code into dst. Aligned words are loaded atomically so that a
// concurrent PatchRel32 is never observed half-written.
func (b *Buffer) Read(addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if !b.Contains(addr) {
		return fmt.Errorf("codebuf: 0x%x outside buffer", addr)
	}
	end := addr + uint64(len(dst))
	if limit := b.base + uint64(len(b.mem)); end > limit {
		end = limit
	}
	i := 0
	for a := addr; a < end; {
		if a%4 == 0 && a+4 <= end {
			w := atomic.LoadUint32((*uint32)(unsafe.Pointer(&b.mem[a-b.base])))
			binary.LittleEndian.PutUint32(dst[i:], w)
			a += 4
			i += 4
			continue
		}
		dst[i] = b.mem[a-b.base]
		a++
		i++
	}
	clear(dst[i:])
	return nil
}

// Bytes returns a copy of n bytes at addr for disassembly.
func (b *Buffer) Bytes(addr uint64, n int) []byte {
	out := make([]byte, n)
	if err := b.Read(addr, out); err != nil {
		return nil
	}
	return out
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	err := release(b.mem, b.mapped)
	b.mem = nil
	return err
}
