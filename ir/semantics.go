package ir

import "math/bits"

func signBit(t Type) uint64 { return 1 << (t.Bits() - 1) }

// sext interprets the low width bits of v as signed.
func sext(t Type, v uint64) int64 {
	if t == I32 {
		return int64(int32(v))
	}
	return int64(v)
}

// Compare evaluates c on a and b at width t.
func Compare(c Cond, t Type, a, b uint64) bool {
	a, b = t.Mask(a), t.Mask(b)
	sa, sb := sext(t, a), sext(t, b)
	switch c {
	case CondEQ:
		return a == b
	case CondNE:
		return a != b
	case CondLT:
		return sa < sb
	case CondGE:
		return sa >= sb
	case CondLE:
		return sa <= sb
	case CondGT:
		return sa > sb
	case CondLTU:
		return a < b
	case CondGEU:
		return a >= b
	case CondLEU:
		return a <= b
	case CondGTU:
		return a > b
	case CondAlways:
		return true
	}
	return false
}

// Divu divides unsigned; x/0 is all ones.
func Divu(t Type, a, b uint64) uint64 {
	a, b = t.Mask(a), t.Mask(b)
	if b == 0 {
		return t.Mask(^uint64(0))
	}
	return a / b
}

// Remu is the unsigned remainder; x%0 is x.
func Remu(t Type, a, b uint64) uint64 {
	a, b = t.Mask(a), t.Mask(b)
	if b == 0 {
		return a
	}
	return a % b
}

// Divs divides signed; x/0 is -1 and MIN/-1 is MIN.
func Divs(t Type, a, b uint64) uint64 {
	sa, sb := sext(t, a), sext(t, b)
	switch {
	case sb == 0:
		return t.Mask(^uint64(0))
	case sb == -1 && t.Mask(a) == signBit(t):
		return signBit(t)
	}
	return t.Mask(uint64(sa / sb))
}

// Rems is the signed remainder; x%0 is x and MIN%-1 is 0.
func Rems(t Type, a, b uint64) uint64 {
	sa, sb := sext(t, a), sext(t, b)
	switch {
	case sb == 0:
		return t.Mask(a)
	case sb == -1:
		return 0
	}
	return t.Mask(uint64(sa % sb))
}

func Mulhu(t Type, a, b uint64) uint64 {
	a, b = t.Mask(a), t.Mask(b)
	if t == I32 {
		return (a * b) >> 32
	}
	hi, _ := bits.Mul64(a, b)
	return hi
}

func Mulhs(t Type, a, b uint64) uint64 {
	if t == I32 {
		return t.Mask(uint64((sext(t, a) * sext(t, b)) >> 32))
	}
	hi, _ := bits.Mul64(a, b)
	if int64(a) < 0 {
		hi -= b
	}
	if int64(b) < 0 {
		hi -= a
	}
	return hi
}

func Mulhsu(t Type, a, b uint64) uint64 {
	if t == I32 {
		return t.Mask(uint64((sext(t, a) * int64(t.Mask(b))) >> 32))
	}
	hi, _ := bits.Mul64(a, b)
	if int64(a) < 0 {
		hi -= b
	}
	return hi
}

func Rotl(t Type, a, n uint64) uint64 {
	if t == I32 {
		return uint64(bits.RotateLeft32(uint32(a), int(n&31)))
	}
	return bits.RotateLeft64(a, int(n&63))
}

func Rotr(t Type, a, n uint64) uint64 {
	if t == I32 {
		return uint64(bits.RotateLeft32(uint32(a), -int(n&31)))
	}
	return bits.RotateLeft64(a, -int(n&63))
}

// Eval2 computes a two-operand op at width t. The result is masked to t.
func Eval2(code Opcode, t Type, a, b uint64) uint64 {
	shift := b & uint64(t.Bits()-1)
	var r uint64
	switch code {
	case OpAdd:
		r = a + b
	case OpSub:
		r = a - b
	case OpMul:
		r = a * b
	case OpAnd:
		r = a & b
	case OpOr:
		r = a | b
	case OpXor:
		r = a ^ b
	case OpAndc:
		r = a &^ b
	case OpOrc:
		r = a | ^b
	case OpEqv:
		r = ^(a ^ b)
	case OpShl:
		r = a << shift
	case OpShr:
		r = t.Mask(a) >> shift
	case OpSar:
		r = uint64(sext(t, a) >> shift)
	case OpRotl:
		r = Rotl(t, a, b)
	case OpRotr:
		r = Rotr(t, a, b)
	case OpDivu:
		r = Divu(t, a, b)
	case OpDivs:
		r = Divs(t, a, b)
	case OpRemu:
		r = Remu(t, a, b)
	case OpRems:
		r = Rems(t, a, b)
	case OpMulhu:
		r = Mulhu(t, a, b)
	case OpMulhs:
		r = Mulhs(t, a, b)
	case OpMulhsu:
		r = Mulhsu(t, a, b)
	}
	return t.Mask(r)
}

// Eval1 computes a one-operand op; t is the result type.
func Eval1(code Opcode, t Type, a uint64) uint64 {
	var r uint64
	switch code {
	case OpMov:
		r = a
	case OpNeg:
		r = -a
	case OpNot:
		r = ^a
	case OpClz:
		if t == I32 {
			r = uint64(bits.LeadingZeros32(uint32(a)))
		} else {
			r = uint64(bits.LeadingZeros64(a))
		}
	case OpCtz:
		if t == I32 {
			r = uint64(bits.TrailingZeros32(uint32(a)))
		} else {
			r = uint64(bits.TrailingZeros64(a))
		}
	case OpCtpop:
		r = uint64(bits.OnesCount64(t.Mask(a)))
	case OpBswap:
		if t == I32 {
			r = uint64(bits.ReverseBytes32(uint32(a)))
		} else {
			r = bits.ReverseBytes64(a)
		}
	case OpExt8s:
		r = uint64(int64(int8(a)))
	case OpExt8u:
		r = uint64(uint8(a))
	case OpExt16s:
		r = uint64(int64(int16(a)))
	case OpExt16u:
		r = uint64(uint16(a))
	case OpExt32s:
		r = uint64(int64(int32(a)))
	case OpExt32u, OpTrunc:
		r = uint64(uint32(a))
	}
	return t.Mask(r)
}

// AddCarry returns the sum and the unsigned carry out.
func AddCarry(t Type, a, b uint64) (uint64, uint64) {
	sum := t.Mask(a + b)
	if sum < t.Mask(a) {
		return sum, 1
	}
	return sum, 0
}

// SignExtend widens the low size bytes of v.
func SignExtend(size int, v uint64) uint64 {
	switch size {
	case 1:
		return uint64(int64(int8(v)))
	case 2:
		return uint64(int64(int16(v)))
	case 4:
		return uint64(int64(int32(v)))
	}
	return v
}
