package machine

import (
	"fmt"
	"sync/atomic"
)

// pageCode marks a guest page that has translated code; machines treat
// writes to it as FaultCodeWrite.
const pageCode = 1 << 8

// GuestMemory is the guest address space, shared by every vCPU and mapped
// by each machine at GuestBase. Page permissions are tracked in software.
type GuestMemory struct {
	mem    []byte
	mapped bool
	perms  []uint32
	// codeEpoch moves whenever bytes on a code page may have changed.
	codeEpoch atomic.Uint64

	// OnCodeWrite is called after a write lands on pages with translated
	// code.
	OnCodeWrite func(start, end uint64)
}

func NewGuestMemory(size uint64) (*GuestMemory, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("guest memory size 0x%x is not a positive page multiple", size)
	}
	mem, mapped, err := reserve(size)
	if err != nil {
		return nil, err
	}
	return &GuestMemory{mem: mem, mapped: mapped, perms: make([]uint32, size/PageSize)}, nil
}

func (g *GuestMemory) Size() uint64 { return uint64(len(g.mem)) }

// Bytes is the backing store. Machines alias it; nobody else should.
func (g *GuestMemory) Bytes() []byte { return g.mem }

func (g *GuestMemory) Close() error {
	if g.mem == nil {
		return nil
	}
	err := unreserve(g.mem, g.mapped)
	g.mem = nil
	return err
}

func (g *GuestMemory) pages(addr, size uint64) (first, last uint64, err error) {
	if size == 0 {
		return 0, 0, fmt.Errorf("empty range at 0x%x", addr)
	}
	end := addr + size
	if end < addr || end > uint64(len(g.mem)) {
		return 0, 0, fmt.Errorf("range 0x%x+0x%x outside guest memory", addr, size)
	}
	return addr >> PageBits, (end - 1) >> PageBits, nil
}

// Map sets the permission of every page overlapping the range. PermNone
// unmaps. Pages that hold code keep their code mark.
func (g *GuestMemory) Map(addr, size uint64, perm Perm) error {
	first, last, err := g.pages(addr, size)
	if err != nil {
		return err
	}
	for p := first; p <= last; p++ {
		for {
			old := atomic.LoadUint32(&g.perms[p])
			if atomic.CompareAndSwapUint32(&g.perms[p], old, old&pageCode|uint32(perm)) {
				break
			}
		}
	}
	return nil
}

func (g *GuestMemory) Perm(addr uint64) Perm {
	if addr >= uint64(len(g.mem)) {
		return PermNone
	}
	return Perm(atomic.LoadUint32(&g.perms[addr>>PageBits]))
}

// SetCode marks the page holding addr as containing translated code.
// Reports whether the mark is new.
func (g *GuestMemory) SetCode(addr uint64) bool {
	if addr >= uint64(len(g.mem)) {
		return false
	}
	p := &g.perms[addr>>PageBits]
	for {
		old := atomic.LoadUint32(p)
		if old&pageCode != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(p, old, old|pageCode) {
			return true
		}
	}
}

// ClearCode drops the code mark of page index page. Stores into the page
// stop faulting, so translations still reading it go stale.
func (g *GuestMemory) ClearCode(page uint64) {
	if page >= uint64(len(g.perms)) {
		return
	}
	p := &g.perms[page]
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old&^pageCode) {
			g.codeEpoch.Add(1)
			return
		}
	}
}

// CodeEpoch changes after every write that may have altered code pages.
// A translation that began before the change must not be published.
func (g *GuestMemory) CodeEpoch() uint64 { return g.codeEpoch.Load() }

// Fetch reads instruction bytes for a translator. The pages are marked as
// code before the copy, so any store that lands afterwards either faults
// or moves CodeEpoch.
func (g *GuestMemory) Fetch(addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	first, last, err := g.pages(addr, uint64(len(dst)))
	if err != nil {
		return err
	}
	for p := first; p <= last; p++ {
		g.SetCode(p << PageBits)
	}
	copy(dst, g.mem[addr:])
	return nil
}

func (g *GuestMemory) IsCode(addr uint64) bool {
	return addr < uint64(len(g.mem)) && atomic.LoadUint32(&g.perms[addr>>PageBits])&pageCode != 0
}

// Check validates an access the way generated code sees it. The zero
// FaultKind with ok=true means the access may proceed.
func (g *GuestMemory) Check(addr uint64, size int, write bool) (FaultKind, bool) {
	first, last, err := g.pages(addr, uint64(size))
	if err != nil {
		return FaultUnmapped, false
	}
	for p := first; p <= last; p++ {
		v := atomic.LoadUint32(&g.perms[p])
		perm := Perm(v)
		switch {
		case perm == PermNone:
			return FaultUnmapped, false
		case write && perm&PermWrite == 0:
			return FaultProtection, false
		case !write && perm&PermRead == 0:
			return FaultProtection, false
		case write && v&pageCode != 0:
			return FaultCodeWrite, false
		}
	}
	return 0, true
}

// Read copies guest bytes for the runtime, honoring read permission.
func (g *GuestMemory) Read(addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if k, ok := g.Check(addr, len(dst), false); !ok {
		return &Fault{Kind: k, Addr: addr, Size: len(dst)}
	}
	copy(dst, g.mem[addr:])
	return nil
}

// Write stores guest bytes for the runtime, honoring write permission.
// Code pages are written and then reported through OnCodeWrite.
func (g *GuestMemory) Write(addr uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	k, ok := g.Check(addr, len(src), true)
	if !ok && k != FaultCodeWrite {
		return &Fault{Kind: k, Addr: addr, Size: len(src), Write: true}
	}
	copy(g.mem[addr:], src)
	g.Written(addr, uint64(len(src)))
	return nil
}

// Poke writes regardless of permissions, for loaders and debuggers.
func (g *GuestMemory) Poke(addr uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if _, _, err := g.pages(addr, uint64(len(src))); err != nil {
		return err
	}
	copy(g.mem[addr:], src)
	g.Written(addr, uint64(len(src)))
	return nil
}

// Peek reads regardless of permissions.
func (g *GuestMemory) Peek(addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if _, _, err := g.pages(addr, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, g.mem[addr:])
	return nil
}

// Written is called after bytes at [addr, addr+size) changed. Machines call
// it for stores that passed Check, since a translator may have marked the
// page between the check and the store.
func (g *GuestMemory) Written(addr, size uint64) {
	if size == 0 || addr+size > uint64(len(g.mem)) {
		return
	}
	for p := addr >> PageBits; p <= (addr+size-1)>>PageBits; p++ {
		if atomic.LoadUint32(&g.perms[p])&pageCode != 0 {
			g.codeEpoch.Add(1)
			if g.OnCodeWrite != nil {
				g.OnCodeWrite(addr, addr+size)
			}
			return
		}
	}
}
