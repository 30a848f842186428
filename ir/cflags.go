package ir

// Compile flags carried in Unit.CFlags and in the block key.
const (
	// CFCountMask limits the number of guest instructions; zero means the
	// frontend default.
	CFCountMask uint32 = 0x1ff
	// CFNoChain forbids direct chaining out of the block.
	CFNoChain uint32 = 1 << 16
	// CFParallel is set while other vCPUs may run concurrently.
	CFParallel uint32 = 1 << 17
	// CFSingleStep stops after every guest instruction.
	CFSingleStep uint32 = 1 << 18
	// CFSerial marks a block generated for the exclusive atomic retry.
	CFSerial uint32 = 1 << 19
	// CFNoWatch suppresses watchpoints, for stepping over a hit.
	CFNoWatch uint32 = 1 << 20
)

// ExcpNone in the env exception slot means no exception is pending.
const ExcpNone = -1

// Generic exception indices. Frontend exceptions stay below ExcpInterrupt.
const (
	ExcpInterrupt = 0x10000 + iota
	ExcpHalted
	ExcpDebug
	ExcpYield
	ExcpAtomic
	ExcpSyscall
)
