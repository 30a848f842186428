package emu

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"

	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/x86"
	"golang.org/x/arch/x86/x86asm"
)

type flags struct {
	cf, zf, sf, of, pf bool
}

func (f flags) word() uint64 {
	var w uint64 = 1 << 1
	for i, b := range []bool{f.cf, false, f.pf, false, false, false, f.zf, f.sf, false, false, false, f.of} {
		if b {
			w |= 1 << i
		}
	}
	return w
}

var condOf = map[x86asm.Op]x86.Cond{
	x86asm.JO: x86.CondO, x86asm.JNO: x86.CondNO, x86asm.JB: x86.CondB, x86asm.JAE: x86.CondAE,
	x86asm.JE: x86.CondE, x86asm.JNE: x86.CondNE, x86asm.JBE: x86.CondBE, x86asm.JA: x86.CondA,
	x86asm.JS: x86.CondS, x86asm.JNS: x86.CondNS, x86asm.JP: x86.CondP, x86asm.JNP: x86.CondNP,
	x86asm.JL: x86.CondL, x86asm.JGE: x86.CondGE, x86asm.JLE: x86.CondLE, x86asm.JG: x86.CondG,

	x86asm.SETO: x86.CondO, x86asm.SETNO: x86.CondNO, x86asm.SETB: x86.CondB, x86asm.SETAE: x86.CondAE,
	x86asm.SETE: x86.CondE, x86asm.SETNE: x86.CondNE, x86asm.SETBE: x86.CondBE, x86asm.SETA: x86.CondA,
	x86asm.SETS: x86.CondS, x86asm.SETNS: x86.CondNS, x86asm.SETP: x86.CondP, x86asm.SETNP: x86.CondNP,
	x86asm.SETL: x86.CondL, x86asm.SETGE: x86.CondGE, x86asm.SETLE: x86.CondLE, x86asm.SETG: x86.CondG,

	x86asm.CMOVO: x86.CondO, x86asm.CMOVNO: x86.CondNO, x86asm.CMOVB: x86.CondB, x86asm.CMOVAE: x86.CondAE,
	x86asm.CMOVE: x86.CondE, x86asm.CMOVNE: x86.CondNE, x86asm.CMOVBE: x86.CondBE, x86asm.CMOVA: x86.CondA,
	x86asm.CMOVS: x86.CondS, x86asm.CMOVNS: x86.CondNS, x86asm.CMOVP: x86.CondP, x86asm.CMOVNP: x86.CondNP,
	x86asm.CMOVL: x86.CondL, x86asm.CMOVGE: x86.CondGE, x86asm.CMOVLE: x86.CondLE, x86asm.CMOVG: x86.CondG,
}

func (e *Emu) cond(c x86.Cond) bool {
	f := e.flags
	var r bool
	switch c &^ 1 {
	case x86.CondO:
		r = f.of
	case x86.CondB:
		r = f.cf
	case x86.CondE:
		r = f.zf
	case x86.CondBE:
		r = f.cf || f.zf
	case x86.CondS:
		r = f.sf
	case x86.CondP:
		r = f.pf
	case x86.CondL:
		r = f.sf != f.of
	case x86.CondLE:
		r = f.zf || f.sf != f.of
	}
	if c&1 != 0 {
		r = !r
	}
	return r
}

func mask(size int) uint64 {
	if size >= 8 {
		return math.MaxUint64
	}
	return 1<<(8*uint(size)) - 1
}

func signBit(size int) uint64 { return 1 << (8*uint(size) - 1) }

func signExtend(v uint64, size int) uint64 {
	s := 64 - 8*uint(size)
	return uint64(int64(v<<s) >> s)
}

// regLoc maps an x86asm register to its hardware number and width.
func regLoc(r x86asm.Reg) (idx, size int, high bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, false
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 1, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return 4 + int(r-x86asm.SPB), 1, false
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return 8 + int(r-x86asm.R8B), 1, false
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, false
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, false
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, false
	}
	return -1, 0, false
}

func (e *Emu) readReg(r x86asm.Reg) uint64 {
	idx, size, high := regLoc(r)
	v := e.regs.GPR[idx]
	if high {
		return v >> 8 & 0xff
	}
	return v & mask(size)
}

// setGPR writes with x86 partial-register rules: 32-bit writes clear the
// upper half, 8 and 16-bit writes merge.
func (e *Emu) setGPR(idx, size int, v uint64) {
	switch size {
	case 8:
		e.regs.GPR[idx] = v
	case 4:
		e.regs.GPR[idx] = v & math.MaxUint32
	default:
		m := mask(size)
		e.regs.GPR[idx] = e.regs.GPR[idx]&^m | v&m
	}
}

func (e *Emu) writeReg(r x86asm.Reg, v uint64) {
	idx, size, high := regLoc(r)
	if high {
		e.regs.GPR[idx] = e.regs.GPR[idx]&^0xff00 | (v&0xff)<<8
		return
	}
	e.setGPR(idx, size, v)
}

func argSize(inst x86asm.Inst, a x86asm.Arg) int {
	switch a := a.(type) {
	case x86asm.Reg:
		_, s, _ := regLoc(a)
		return s
	case x86asm.Mem:
		return inst.MemBytes
	}
	return inst.DataSize / 8
}

func (e *Emu) ea(m x86asm.Mem, next uint64) uint64 {
	var a uint64
	switch {
	case m.Base == x86asm.RIP:
		a = next
	case m.Base != 0:
		a = e.readReg(m.Base)
	}
	if m.Index != 0 {
		a += e.readReg(m.Index) * uint64(m.Scale)
	}
	return a + uint64(m.Disp)
}

func (e *Emu) read(a x86asm.Arg, size int, next uint64) (uint64, *trap) {
	switch a := a.(type) {
	case x86asm.Reg:
		return e.readReg(a), nil
	case x86asm.Mem:
		return e.load(e.ea(a, next), size)
	case x86asm.Imm:
		return uint64(a) & mask(size), nil
	case x86asm.Rel:
		return next + uint64(int64(a)), nil
	}
	return 0, &trap{err: fmt.Errorf("emu: unsupported operand %v", a)}
}

func (e *Emu) write(a x86asm.Arg, size int, v uint64, next uint64) *trap {
	switch a := a.(type) {
	case x86asm.Reg:
		e.writeReg(a, v)
		return nil
	case x86asm.Mem:
		return e.store(e.ea(a, next), size, v&mask(size))
	}
	return &trap{err: fmt.Errorf("emu: cannot write operand %v", a)}
}

func (e *Emu) setResultFlags(r uint64, size int) {
	r &= mask(size)
	e.flags.zf = r == 0
	e.flags.sf = r&signBit(size) != 0
	e.flags.pf = bits.OnesCount8(uint8(r))%2 == 0
}

func (e *Emu) alu(op x86asm.Op, size int, x, y uint64) uint64 {
	m := mask(size)
	sb := signBit(size)
	x &= m
	y &= m
	var r uint64
	switch op {
	case x86asm.ADD, x86asm.ADC:
		var c uint64
		if op == x86asm.ADC && e.flags.cf {
			c = 1
		}
		if size == 8 {
			var carry uint64
			r, carry = bits.Add64(x, y, c)
			e.flags.cf = carry != 0
		} else {
			full := x + y + c
			r = full & m
			e.flags.cf = full > m
		}
		e.flags.of = (x^r)&(y^r)&sb != 0
	case x86asm.SUB, x86asm.SBB, x86asm.CMP:
		var b uint64
		if op == x86asm.SBB && e.flags.cf {
			b = 1
		}
		if size == 8 {
			var borrow uint64
			r, borrow = bits.Sub64(x, y, b)
			e.flags.cf = borrow != 0
		} else {
			r = (x - y - b) & m
			e.flags.cf = x < y+b
		}
		e.flags.of = (x^y)&(x^r)&sb != 0
	case x86asm.AND, x86asm.TEST:
		r = x & y
		e.flags.cf, e.flags.of = false, false
	case x86asm.OR:
		r = x | y
		e.flags.cf, e.flags.of = false, false
	case x86asm.XOR:
		r = x ^ y
		e.flags.cf, e.flags.of = false, false
	}
	e.setResultFlags(r, size)
	return r
}

func (e *Emu) shift(op x86asm.Op, size int, x, count uint64) uint64 {
	w := uint64(8 * size)
	if size == 8 {
		count &= 63
	} else {
		count &= 31
	}
	m := mask(size)
	x &= m
	if count == 0 {
		return x
	}
	var r uint64
	switch op {
	case x86asm.SHL:
		if count >= w {
			r = 0
			e.flags.cf = count == w && x&1 != 0
		} else {
			r = x << count & m
			e.flags.cf = x>>(w-count)&1 != 0
		}
		e.flags.of = (r&signBit(size) != 0) != e.flags.cf
	case x86asm.SHR:
		r = x >> count
		e.flags.cf = x>>(count-1)&1 != 0
		e.flags.of = x&signBit(size) != 0
	case x86asm.SAR:
		r = uint64(int64(signExtend(x, size))>>count) & m
		e.flags.cf = uint64(int64(signExtend(x, size))>>(count-1))&1 != 0
		e.flags.of = false
	case x86asm.ROL:
		c := count % w
		r = (x<<c | x>>((w-c)%w)) & m
		e.flags.cf = r&1 != 0
		return r
	case x86asm.ROR:
		c := count % w
		r = (x>>c | x<<((w-c)%w)) & m
		e.flags.cf = r&signBit(size) != 0
		return r
	}
	e.setResultFlags(r, size)
	return r
}

// exec runs inst. On success PC moves to next or the branch target.
func (e *Emu) exec(inst x86asm.Inst, next uint64) *trap {
	a0, a1, a2 := inst.Args[0], inst.Args[1], inst.Args[2]
	target := next

	switch inst.Op {
	case x86asm.NOP:

	case x86asm.MOV:
		size := argSize(inst, a0)
		v, t := e.read(a1, size, next)
		if t != nil {
			return t
		}
		if t := e.write(a0, size, v, next); t != nil {
			return t
		}

	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		ss, ds := argSize(inst, a1), argSize(inst, a0)
		v, t := e.read(a1, ss, next)
		if t != nil {
			return t
		}
		if inst.Op != x86asm.MOVZX {
			v = signExtend(v, ss) & mask(ds)
		}
		e.writeReg(a0.(x86asm.Reg), v)

	case x86asm.LEA:
		e.writeReg(a0.(x86asm.Reg), e.ea(a1.(x86asm.Mem), next)&mask(argSize(inst, a0)))

	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.CMP, x86asm.TEST:
		size := argSize(inst, a0)
		x, t := e.read(a0, size, next)
		if t != nil {
			return t
		}
		y, t := e.read(a1, size, next)
		if t != nil {
			return t
		}
		r := e.alu(inst.Op, size, x, y)
		if inst.Op != x86asm.CMP && inst.Op != x86asm.TEST {
			if t := e.write(a0, size, r, next); t != nil {
				return t
			}
		}

	case x86asm.NOT, x86asm.NEG:
		size := argSize(inst, a0)
		x, t := e.read(a0, size, next)
		if t != nil {
			return t
		}
		var r uint64
		if inst.Op == x86asm.NOT {
			r = ^x & mask(size)
		} else {
			r = -x & mask(size)
			e.flags.cf = x != 0
			e.flags.of = x == signBit(size)
			e.setResultFlags(r, size)
		}
		if t := e.write(a0, size, r, next); t != nil {
			return t
		}

	case x86asm.MUL, x86asm.IMUL:
		if t := e.mul(inst, a0, a1, a2, next); t != nil {
			return t
		}

	case x86asm.DIV, x86asm.IDIV:
		if t := e.div(inst, a0, next); t != nil {
			return t
		}

	case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR:
		size := argSize(inst, a0)
		x, t := e.read(a0, size, next)
		if t != nil {
			return t
		}
		count := uint64(1)
		if a1 != nil {
			if count, t = e.read(a1, 1, next); t != nil {
				return t
			}
		}
		if t := e.write(a0, size, e.shift(inst.Op, size, x, count), next); t != nil {
			return t
		}

	case x86asm.POPCNT, x86asm.LZCNT, x86asm.TZCNT:
		size := argSize(inst, a0)
		x, t := e.read(a1, size, next)
		if t != nil {
			return t
		}
		var r int
		switch {
		case inst.Op == x86asm.POPCNT:
			r = bits.OnesCount64(x)
		case inst.Op == x86asm.LZCNT && size == 8:
			r = bits.LeadingZeros64(x)
		case inst.Op == x86asm.LZCNT:
			r = bits.LeadingZeros32(uint32(x))
		case size == 8:
			r = bits.TrailingZeros64(x)
		default:
			r = bits.TrailingZeros32(uint32(x))
		}
		e.flags = flags{cf: x == 0 && inst.Op != x86asm.POPCNT, zf: r == 0}
		if inst.Op == x86asm.POPCNT {
			e.flags.zf = x == 0
		}
		e.writeReg(a0.(x86asm.Reg), uint64(r))

	case x86asm.BSWAP:
		r := a0.(x86asm.Reg)
		if _, size, _ := regLoc(r); size == 8 {
			e.writeReg(r, bits.ReverseBytes64(e.readReg(r)))
		} else {
			e.writeReg(r, uint64(bits.ReverseBytes32(uint32(e.readReg(r)))))
		}

	case x86asm.CQO:
		e.regs.GPR[2] = uint64(int64(e.regs.GPR[0]) >> 63)
	case x86asm.CDQ:
		e.setGPR(2, 4, uint64(int64(int32(e.regs.GPR[0]))>>32))

	case x86asm.SETO, x86asm.SETNO, x86asm.SETB, x86asm.SETAE, x86asm.SETE, x86asm.SETNE, x86asm.SETBE, x86asm.SETA,
		x86asm.SETS, x86asm.SETNS, x86asm.SETP, x86asm.SETNP, x86asm.SETL, x86asm.SETGE, x86asm.SETLE, x86asm.SETG:
		var v uint64
		if e.cond(condOf[inst.Op]) {
			v = 1
		}
		if t := e.write(a0, 1, v, next); t != nil {
			return t
		}

	case x86asm.CMOVO, x86asm.CMOVNO, x86asm.CMOVB, x86asm.CMOVAE, x86asm.CMOVE, x86asm.CMOVNE, x86asm.CMOVBE, x86asm.CMOVA,
		x86asm.CMOVS, x86asm.CMOVNS, x86asm.CMOVP, x86asm.CMOVNP, x86asm.CMOVL, x86asm.CMOVGE, x86asm.CMOVLE, x86asm.CMOVG:
		size := argSize(inst, a0)
		v, t := e.read(a1, size, next)
		if t != nil {
			return t
		}
		dst := a0.(x86asm.Reg)
		if !e.cond(condOf[inst.Op]) {
			// the 32-bit form zero-extends even when not taken
			v = e.readReg(dst)
		}
		e.writeReg(dst, v)

	case x86asm.JO, x86asm.JNO, x86asm.JB, x86asm.JAE, x86asm.JE, x86asm.JNE, x86asm.JBE, x86asm.JA,
		x86asm.JS, x86asm.JNS, x86asm.JP, x86asm.JNP, x86asm.JL, x86asm.JGE, x86asm.JLE, x86asm.JG:
		if e.cond(condOf[inst.Op]) {
			target = next + uint64(int64(a0.(x86asm.Rel)))
		}

	case x86asm.JMP:
		v, t := e.read(a0, 8, next)
		if t != nil {
			return t
		}
		target = v

	case x86asm.CALL:
		v, t := e.read(a0, 8, next)
		if t != nil {
			return t
		}
		if machine.IsHelper(v) {
			if t := e.callHelper(v, next); t != nil {
				return t
			}
			break
		}
		if t := e.push(next); t != nil {
			return t
		}
		target = v

	case x86asm.RET:
		v, t := e.pop()
		if t != nil {
			return t
		}
		target = v

	case x86asm.PUSH:
		v, t := e.read(a0, 8, next)
		if t != nil {
			return t
		}
		if t := e.push(v); t != nil {
			return t
		}

	case x86asm.POP:
		v, t := e.pop()
		if t != nil {
			return t
		}
		e.writeReg(a0.(x86asm.Reg), v)

	case x86asm.CMPXCHG:
		if t := e.cmpxchg(inst, a0, a1, next); t != nil {
			return t
		}

	case x86asm.SYSCALL:
		if e.h.Syscall == nil {
			return &trap{err: fmt.Errorf("emu: syscall at 0x%x without handler", next-uint64(inst.Len))}
		}
		e.regs.PC = next
		e.h.Syscall(&e.regs)
		e.regs.GPR[1] = next
		e.regs.GPR[11] = e.flags.word()

	default:
		return faultTrap(machine.FaultIllegal, next-uint64(inst.Len), inst.Len, false)
	}
	e.regs.PC = target
	return nil
}

func (e *Emu) mul(inst x86asm.Inst, a0, a1, a2 x86asm.Arg, next uint64) *trap {
	size := argSize(inst, a0)
	if a1 != nil {
		// two and three operand imul keep the low half
		x, t := e.read(a0, size, next)
		if t != nil {
			return t
		}
		src := a1
		if a2 != nil {
			if x, t = e.read(a1, size, next); t != nil {
				return t
			}
			src = a2
		}
		y, t := e.read(src, size, next)
		if t != nil {
			return t
		}
		r := x * y & mask(size)
		e.setResultFlags(r, size)
		e.writeReg(a0.(x86asm.Reg), r)
		return nil
	}
	y, t := e.read(a0, size, next)
	if t != nil {
		return t
	}
	x := e.regs.GPR[0] & mask(size)
	signed := inst.Op == x86asm.IMUL
	var hi, lo uint64
	switch size {
	case 8:
		hi, lo = bits.Mul64(x, y)
		if signed {
			if int64(x) < 0 {
				hi -= y
			}
			if int64(y) < 0 {
				hi -= x
			}
		}
	case 4:
		var p uint64
		if signed {
			p = uint64(int64(int32(x)) * int64(int32(y)))
		} else {
			p = x * y
		}
		lo, hi = p&math.MaxUint32, p>>32&math.MaxUint32
	default:
		return faultTrap(machine.FaultIllegal, next-uint64(inst.Len), inst.Len, false)
	}
	e.setGPR(0, size, lo)
	e.setGPR(2, size, hi)
	e.flags.cf = hi != 0
	e.flags.of = hi != 0
	return nil
}

func (e *Emu) div(inst x86asm.Inst, a0 x86asm.Arg, next uint64) *trap {
	size := argSize(inst, a0)
	d, t := e.read(a0, size, next)
	if t != nil {
		return t
	}
	pc := next - uint64(inst.Len)
	if d == 0 {
		return faultTrap(machine.FaultDivide, pc, 0, false)
	}
	hi, lo := e.regs.GPR[2]&mask(size), e.regs.GPR[0]&mask(size)
	var q, r uint64
	switch {
	case size == 8 && inst.Op == x86asm.DIV:
		if hi >= d {
			return faultTrap(machine.FaultDivide, pc, 0, false)
		}
		q, r = bits.Div64(hi, lo, d)
	case size == 8:
		if hi == uint64(int64(lo)>>63) {
			if int64(lo) == math.MinInt64 && int64(d) == -1 {
				return faultTrap(machine.FaultDivide, pc, 0, false)
			}
			q, r = uint64(int64(lo)/int64(d)), uint64(int64(lo)%int64(d))
			break
		}
		n := new(big.Int).Lsh(big.NewInt(int64(hi)), 64)
		n.Or(n, new(big.Int).SetUint64(lo))
		bq, br := new(big.Int).QuoRem(n, big.NewInt(int64(d)), new(big.Int))
		if !bq.IsInt64() {
			return faultTrap(machine.FaultDivide, pc, 0, false)
		}
		q, r = uint64(bq.Int64()), uint64(br.Int64())
	case size == 4 && inst.Op == x86asm.DIV:
		n := hi<<32 | lo
		q, r = n/d, n%d
		if q > math.MaxUint32 {
			return faultTrap(machine.FaultDivide, pc, 0, false)
		}
	case size == 4:
		n := int64(int32(hi))<<32 | int64(lo)
		sd := int64(int32(d))
		sq := n / sd
		if sq < math.MinInt32 || sq > math.MaxInt32 {
			return faultTrap(machine.FaultDivide, pc, 0, false)
		}
		q, r = uint64(sq), uint64(n%sd)
	default:
		return faultTrap(machine.FaultIllegal, pc, inst.Len, false)
	}
	e.setGPR(0, size, q)
	e.setGPR(2, size, r)
	return nil
}

func (e *Emu) cmpxchg(inst x86asm.Inst, a0, a1 x86asm.Arg, next uint64) *trap {
	lockedOps.Lock()
	defer lockedOps.Unlock()
	size := argSize(inst, a0)
	cur, t := e.read(a0, size, next)
	if t != nil {
		return t
	}
	acc := e.regs.GPR[0] & mask(size)
	e.alu(x86asm.CMP, size, acc, cur)
	if acc == cur {
		src, t := e.read(a1, size, next)
		if t != nil {
			return t
		}
		return e.write(a0, size, src, next)
	}
	e.setGPR(0, size, cur)
	return nil
}

// callHelper replaces a call into the helper region with the Go helper.
// Caller-saved registers are clobbered as the real ABI permits.
func (e *Emu) callHelper(addr, next uint64) *trap {
	if e.h.Helper == nil {
		return &trap{err: fmt.Errorf("emu: call to helper 0x%x without handler", addr)}
	}
	e.regs.PC = next
	ret, unwind, err := e.h.Helper(addr, &e.regs)
	if err != nil {
		return &trap{err: err}
	}
	if unwind {
		return &trap{unwind: true}
	}
	for _, r := range x86.CallerSaved {
		e.regs.Set(r, poison|uint64(r.Index()))
	}
	e.regs.GPR[0] = ret
	e.flags = flags{}
	return nil
}
