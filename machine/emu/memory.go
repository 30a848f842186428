package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/dbt/machine"
)

type regionKind int

const (
	kindRAM regionKind = iota
	kindGuest
	kindCode
)

type region struct {
	start, end uint64
	perm       machine.Perm
	kind       regionKind
	ram        []byte
	guest      *machine.GuestMemory
	code       machine.CodeSource
}

func (r *region) contains(addr uint64, n int) bool {
	return addr >= r.start && addr+uint64(n) <= r.end && addr+uint64(n) >= addr
}

// trap is the internal outcome of an instruction that did not complete.
type trap struct {
	fault  machine.Fault
	unwind bool
	err    error
}

func faultTrap(kind machine.FaultKind, addr uint64, size int, write bool) *trap {
	return &trap{fault: machine.Fault{Kind: kind, Addr: addr, Size: size, Write: write}}
}

func (e *Emu) add(r *region) error {
	if r.end <= r.start {
		return fmt.Errorf("emu: empty region at 0x%x", r.start)
	}
	for _, o := range e.regions {
		if r.start < o.end && o.start < r.end {
			return fmt.Errorf("emu: region 0x%x-0x%x overlaps 0x%x-0x%x", r.start, r.end, o.start, o.end)
		}
	}
	e.regions = append(e.regions, r)
	return nil
}

func (e *Emu) Map(addr, size uint64, perm machine.Perm) error {
	if addr%machine.PageSize != 0 || size%machine.PageSize != 0 {
		return fmt.Errorf("emu: map 0x%x+0x%x not page aligned", addr, size)
	}
	return e.add(&region{start: addr, end: addr + size, perm: perm, kind: kindRAM, ram: make([]byte, size)})
}

func (e *Emu) MapGuest(g *machine.GuestMemory) error {
	return e.add(&region{start: machine.GuestBase, end: machine.GuestBase + g.Size(), perm: machine.PermRW, kind: kindGuest, guest: g})
}

func (e *Emu) MapCode(c machine.CodeSource) error {
	return e.add(&region{start: c.Base(), end: c.Base() + uint64(c.Cap()), perm: machine.PermRX, kind: kindCode, code: c})
}

// Protect changes the permission of a whole RAM region.
func (e *Emu) Protect(addr, size uint64, perm machine.Perm) error {
	for _, r := range e.regions {
		if r.kind == kindRAM && r.start == addr && r.end == addr+size {
			r.perm = perm
			return nil
		}
	}
	return fmt.Errorf("emu: protect 0x%x+0x%x does not name a mapped region", addr, size)
}

func (e *Emu) find(addr uint64, n int) *region {
	if r := e.last; r != nil && r.contains(addr, n) {
		return r
	}
	for _, r := range e.regions {
		if r.contains(addr, n) {
			e.last = r
			return r
		}
	}
	return nil
}

// Read copies memory for the runtime, ignoring permissions.
func (e *Emu) Read(addr uint64, dst []byte) error {
	r := e.find(addr, len(dst))
	if r == nil {
		return &machine.Fault{Kind: machine.FaultUnmapped, Addr: addr, Size: len(dst)}
	}
	switch r.kind {
	case kindGuest:
		return r.guest.Peek(addr-r.start, dst)
	case kindCode:
		return r.code.Read(addr, dst)
	}
	copy(dst, r.ram[addr-r.start:])
	return nil
}

// Write stores memory for the runtime, ignoring permissions. The code
// region is written only through its buffer.
func (e *Emu) Write(addr uint64, src []byte) error {
	r := e.find(addr, len(src))
	if r == nil {
		return &machine.Fault{Kind: machine.FaultUnmapped, Addr: addr, Size: len(src), Write: true}
	}
	switch r.kind {
	case kindGuest:
		return r.guest.Poke(addr-r.start, src)
	case kindCode:
		return &machine.Fault{Kind: machine.FaultProtection, Addr: addr, Size: len(src), Write: true}
	}
	copy(r.ram[addr-r.start:], src)
	return nil
}

func (e *Emu) watched(addr uint64, size int, write bool) bool {
	for _, w := range e.watches {
		if w.Hit(addr, size, write) {
			return true
		}
	}
	return false
}

func (e *Emu) load(addr uint64, size int) (uint64, *trap) {
	r := e.find(addr, size)
	if r == nil {
		return 0, faultTrap(machine.FaultUnmapped, addr, size, false)
	}
	var buf [8]byte
	switch r.kind {
	case kindGuest:
		if len(e.watches) != 0 && e.watched(addr, size, false) {
			return 0, faultTrap(machine.FaultWatch, addr, size, false)
		}
		g := addr - r.start
		if k, ok := r.guest.Check(g, size, false); !ok {
			return 0, faultTrap(k, addr, size, false)
		}
		copy(buf[:size], r.guest.Bytes()[g:])
	case kindCode:
		if err := r.code.Read(addr, buf[:size]); err != nil {
			return 0, faultTrap(machine.FaultUnmapped, addr, size, false)
		}
	default:
		if r.perm&machine.PermRead == 0 {
			return 0, faultTrap(machine.FaultProtection, addr, size, false)
		}
		copy(buf[:size], r.ram[addr-r.start:])
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (e *Emu) store(addr uint64, size int, v uint64) *trap {
	r := e.find(addr, size)
	if r == nil {
		return faultTrap(machine.FaultUnmapped, addr, size, true)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	switch r.kind {
	case kindGuest:
		if len(e.watches) != 0 && e.watched(addr, size, true) {
			return faultTrap(machine.FaultWatch, addr, size, true)
		}
		g := addr - r.start
		if k, ok := r.guest.Check(g, size, true); !ok {
			return faultTrap(k, addr, size, true)
		}
		copy(r.guest.Bytes()[g:], buf[:size])
		r.guest.Written(g, uint64(size))
	case kindCode:
		return faultTrap(machine.FaultProtection, addr, size, true)
	default:
		if r.perm&machine.PermWrite == 0 {
			return faultTrap(machine.FaultProtection, addr, size, true)
		}
		copy(r.ram[addr-r.start:], buf[:size])
	}
	return nil
}

// fetchBytes fills dst with code at pc, zero padding past the region end.
func (e *Emu) fetchBytes(pc uint64, dst []byte) *trap {
	r := e.find(pc, 1)
	if r == nil || r.perm&machine.PermExec == 0 {
		return faultTrap(machine.FaultUnmapped, pc, 1, false)
	}
	n := len(dst)
	if avail := r.end - pc; uint64(n) > avail {
		n = int(avail)
	}
	clear(dst)
	if r.kind == kindCode {
		if err := r.code.Read(pc, dst[:n]); err != nil {
			return faultTrap(machine.FaultUnmapped, pc, 1, false)
		}
		return nil
	}
	copy(dst[:n], r.ram[pc-r.start:])
	return nil
}
