package capability

import "golang.org/x/sys/cpu"

func base() map[Key]Support {
	return map[Key]Support{
		{Rotate, 32}:          Restricted,
		{Rotate, 64}:          Restricted,
		{Divide, 32}:          Restricted,
		{Divide, 64}:          Restricted,
		{MultiplyHigh, 64}:    Restricted,
		{ByteSwap, 32}:        Supported,
		{ByteSwap, 64}:        Supported,
		{ConditionalMove, 32}: Supported,
		{ConditionalMove, 64}: Supported,
		{AddCarry, 32}:        Supported,
		{AddCarry, 64}:        Supported,
		{AtomicCmpXchg, 32}:   Restricted,
		{AtomicCmpXchg, 64}:   Restricted,
	}
}

// Baseline is plain x86-64: no bit counting instructions.
func Baseline() *Table {
	return New("baseline", base())
}

// Full is x86-64 with popcnt, lzcnt, tzcnt and SSE2 vectors.
func Full() *Table {
	m := base()
	for _, w := range []int{32, 64} {
		m[Key{PopulationCount, w}] = Supported
		m[Key{CountLeadingZeros, w}] = Supported
		m[Key{CountTrailingZeros, w}] = Supported
	}
	m[Key{Vector, 128}] = Supported
	return New("full", m)
}

// Probe inspects the CPU this process runs on.
func Probe() *Table {
	m := base()
	if !cpu.X86.HasSSE2 {
		// not an x86-64 host; the baseline profile describes the emitted code
		return New("probe", m)
	}
	if cpu.X86.HasPOPCNT {
		m[Key{PopulationCount, 32}] = Supported
		m[Key{PopulationCount, 64}] = Supported
	}
	// lzcnt has no separate flag here; BMI1 parts all carry ABM.
	if cpu.X86.HasBMI1 {
		for _, w := range []int{32, 64} {
			m[Key{CountLeadingZeros, w}] = Supported
			m[Key{CountTrailingZeros, w}] = Supported
		}
	}
	m[Key{Vector, 128}] = Supported
	if cpu.X86.HasAVX2 {
		m[Key{Vector, 256}] = Supported
	}
	return New("probe", m)
}

// Profile resolves a configured profile name.
func Profile(name string) (*Table, bool) {
	switch name {
	case "", "probe":
		return Probe(), true
	case "baseline":
		return Baseline(), true
	case "full":
		return Full(), true
	}
	return nil, false
}
