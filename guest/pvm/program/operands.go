package program

// Operand extractors, one per argument format of GP appendix A.5. Register
// indices are clamped to 12 and immediates read past the end of args are
// zero.

const maxReg = 12

func reg(v int) int { return min(maxReg, v) }

// field reads n little-endian bytes of args starting at off.
func field(args []byte, off, n int) uint64 {
	var x uint64
	for i := n - 1; i >= 0; i-- {
		x <<= 8
		if off+i < len(args) {
			x |= uint64(args[off+i])
		}
	}
	return x
}

func byteAt(args []byte, i int) int {
	if i < len(args) {
		return int(args[i])
	}
	return 0
}

// A.5.2. Instructions with Arguments of One Immediate. (ECALLI)
func ExtractOneImm(args []byte) uint64 {
	lx := min(4, len(args))
	return XEncode(field(args, 0, lx), uint32(lx))
}

// A.5.3. Instructions with Arguments of One Register and One Extended Width Immediate. (LOAD_IMM_64)
func ExtractOneRegExtImm(args []byte) (regA int, vx uint64) {
	return reg(byteAt(args, 0) % 16), field(args, 1, 8)
}

// A.5.4. Instructions with Arguments of Two Immediates.
func ExtractTwoImm(args []byte) (vx uint64, vy uint64) {
	lx := min(4, byteAt(args, 0)%8)
	ly := min(4, max(0, len(args)-lx-1))
	vx = XEncode(field(args, 1, lx), uint32(lx))
	vy = XEncode(field(args, 1+lx, ly), uint32(ly))
	return
}

// A.5.5. Instructions with Arguments of One Offset. (JUMP)
func ExtractOneOffset(args []byte) (vx int64) {
	lx := min(4, len(args))
	return ZEncode(field(args, 0, lx), uint32(lx))
}

// A.5.6. Instructions with Arguments of One Register & One Immediate. (JUMP_IND)
func ExtractOneRegOneImm(args []byte) (regA int, vx uint64) {
	regA = reg(byteAt(args, 0) % 16)
	lx := min(4, max(0, len(args)-1))
	return regA, XEncode(field(args, 1, lx), uint32(lx))
}

// A.5.7. Instructions with Arguments of One Register and Two Immediates.
func ExtractOneReg2Imm(args []byte) (regA int, vx uint64, vy uint64) {
	regA = reg(byteAt(args, 0) % 16)
	lx := min(4, (byteAt(args, 0)/16)%8)
	ly := min(4, max(0, len(args)-lx-1))
	vx = XEncode(field(args, 1, lx), uint32(lx))
	vy = XEncode(field(args, 1+lx, ly), uint32(ly))
	return
}

// A.5.8. Instructions with Arguments of One Register, One Immediate and One Offset. (LOAD_IMM_JUMP, BRANCH_{EQ/NE/...}_IMM)
func ExtractOneRegOneImmOneOffset(args []byte) (regA int, vx uint64, vy int64) {
	regA = reg(byteAt(args, 0) % 16)
	lx := min(4, (byteAt(args, 0)/16)%8)
	ly := min(4, max(0, len(args)-lx-1))
	vx = XEncode(field(args, 1, lx), uint32(lx))
	vy = ZEncode(field(args, 1+lx, ly), uint32(ly))
	return
}

// A.5.9. Instructions with Arguments of Two Registers.
func ExtractTwoRegisters(args []byte) (regD, regA int) {
	return reg(byteAt(args, 0) & 0x0F), reg(byteAt(args, 0) >> 4)
}

// A.5.10. Instructions with Arguments of Two Registers and One Immediate.
func ExtractTwoRegsOneImm(args []byte) (regA, regB int, vx uint64) {
	regA, regB = reg(byteAt(args, 0)&0x0F), reg(byteAt(args, 0)>>4)
	lx := min(4, max(0, len(args)-1))
	return regA, regB, XEncode(field(args, 1, lx), uint32(lx))
}

// A.5.11. Instructions with Arguments of Two Registers and One Offset. (BRANCH_{EQ/NE/...})
func ExtractTwoRegsOneOffset(args []byte) (regA, regB int, vx int64) {
	regA, regB = reg(byteAt(args, 0)&0x0F), reg(byteAt(args, 0)>>4)
	lx := min(4, max(0, len(args)-1))
	return regA, regB, ZEncode(field(args, 1, lx), uint32(lx))
}

// A.5.12. Instructions with Arguments of Two Registers and Two Immediates. (LOAD_IMM_JUMP_IND)
func ExtractTwoRegsAndTwoImmediates(args []byte) (regA, regB int, vx, vy uint64) {
	regA, regB = reg(byteAt(args, 0)&0x0F), reg(byteAt(args, 0)>>4)
	lx := min(4, byteAt(args, 1)%8)
	ly := min(4, max(0, len(args)-lx-2))
	vx = XEncode(field(args, 2, lx), uint32(lx))
	vy = XEncode(field(args, 2+lx, ly), uint32(ly))
	return
}

// A.5.13. Instructions with Arguments of Three Registers.
func ExtractThreeRegs(args []byte) (regA, regB, regD int) {
	return reg(byteAt(args, 0) & 0x0F), reg(byteAt(args, 0) >> 4), reg(byteAt(args, 1))
}

// XEncode sign-extends an n-byte value to 64 bits.
func XEncode(x uint64, n uint32) uint64 {
	if n == 0 || n > 8 {
		return 0
	}
	if n == 8 {
		return x
	}
	mask := uint64(1)<<(8*n) - 1
	x &= mask
	if x>>(8*n-1) != 0 {
		x |= ^mask
	}
	return x
}

// ZEncode reads an n-byte value as a signed offset.
func ZEncode(a uint64, n uint32) int64 {
	if n == 0 || n > 8 {
		return 0
	}
	shift := 64 - 8*n
	return int64(a<<shift) >> shift
}
