package program

// Image is a standard program: read-only and read-write data, the heap
// and stack sizes, and the core part.
type Image struct {
	RO        []byte
	RW        []byte
	HeapPages uint32 // z: zero pages after the read-write data
	StackSize uint32 // s
	Program   *Program
}

// DecodeStandard reads E_3(|o|) ++ E_3(|w|) ++ E_2(z) ++ E_3(s) ++ o ++ w
// ++ E_4(|c|) ++ c, where c is the core part.
func DecodeStandard(p []byte) (*Image, error) {
	if len(p) < 11 {
		return nil, badImage("standard header is %d bytes", len(p))
	}
	oSize := DecodeE_l(p[0:3])
	wSize := DecodeE_l(p[3:6])
	z := DecodeE_l(p[6:8])
	s := DecodeE_l(p[8:11])
	rest := p[11:]
	if uint64(len(rest)) < oSize+wSize+4 {
		return nil, badImage("data segments need %d bytes, have %d", oSize+wSize+4, len(rest))
	}
	img := &Image{
		RO:        rest[:oSize],
		RW:        rest[oSize : oSize+wSize],
		HeapPages: uint32(z),
		StackSize: uint32(s),
	}
	rest = rest[oSize+wSize:]
	cSize := DecodeE_l(rest[:4])
	rest = rest[4:]
	if uint64(len(rest)) != cSize {
		return nil, badImage("core part is %d bytes, header says %d", len(rest), cSize)
	}
	prog, err := DecodeCorePart(rest)
	if err != nil {
		return nil, err
	}
	img.Program = prog
	return img, nil
}

// EncodeStandard wraps an encoded core part in the standard header.
func EncodeStandard(ro, rw []byte, heapPages, stackSize uint32, core []byte) []byte {
	out := E_l(uint64(len(ro)), 3)
	out = append(out, E_l(uint64(len(rw)), 3)...)
	out = append(out, E_l(uint64(heapPages), 2)...)
	out = append(out, E_l(uint64(stackSize), 3)...)
	out = append(out, ro...)
	out = append(out, rw...)
	out = append(out, E_l(uint64(len(core)), 4)...)
	return append(out, core...)
}

// Decode accepts either a standard program or a bare core part.
func Decode(p []byte) (*Image, error) {
	img, err := DecodeStandard(p)
	if err == nil {
		return img, nil
	}
	prog, cerr := DecodeCorePart(p)
	if cerr != nil {
		return nil, err
	}
	return &Image{Program: prog}, nil
}
