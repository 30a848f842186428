package dbterrors

import (
	"errors"
	"strings"
)

// Generation (G) Errors. A block that cannot be generated stops the vCPU.
var (
	ErrUnsupportedOp    = errors.New("G1|UnsupportedOp: IR operation has no native form, no sequence and no helper.")
	ErrTooManyOperands  = errors.New("G2|TooManyOperands: More simultaneously live operands than registers plus spill slots.")
	ErrBadIR            = errors.New("G3|BadIR: Malformed translation unit.")
	ErrUndecodable      = errors.New("G4|Undecodable: Guest instruction could not be decoded.")
	ErrUnsupportedWidth = errors.New("G5|UnsupportedWidth: Operand width not handled by the host backend.")
	ErrBadImage         = errors.New("G6|BadImage: Guest program image is malformed or does not fit guest memory.")
)

// Resource (R) Errors. Recovered by a full flush and regeneration.
var (
	ErrCodeBufferFull = errors.New("R1|CodeBufferFull: Code buffer exhausted while emitting a unit.")
	ErrCacheFull      = errors.New("R2|CacheFull: Translation block table exhausted.")
	ErrSpillOverflow  = errors.New("R3|SpillOverflow: Frame has no free spill slot.")
)

// ABI (A) Errors. Fatal at startup: helper table and implementations disagree.
var (
	ErrArityMismatch     = errors.New("A1|ArityMismatch: Helper called or registered with the wrong number of arguments.")
	ErrTypeMismatch      = errors.New("A2|TypeMismatch: Helper argument or return type differs from its signature.")
	ErrUnknownHelper     = errors.New("A3|UnknownHelper: Helper name is not in the signature table.")
	ErrDuplicateHelper   = errors.New("A4|DuplicateHelper: Helper declared or registered twice.")
	ErrMissingHelper     = errors.New("A5|MissingHelper: Helper declared but no implementation registered.")
	ErrNoReturnReturned  = errors.New("A6|NoReturnReturned: Helper flagged may-not-return resumed generated code.")
	ErrTooManyHelperArgs = errors.New("A7|TooManyHelperArgs: Helper signature exceeds the argument register budget.")
)

// Syscall (S) Errors. Never surfaced to the guest.
var (
	ErrRestartSyscall = errors.New("S1|RestartSyscall: Signal arrived before the system call instruction executed.")
)

// Guest fault (F) Errors. Converted into guest exceptions.
var (
	ErrGuestFault = errors.New("F1|GuestFault: Guest raised a synchronous exception.")
	ErrPageFault  = errors.New("F2|PageFault: Guest accessed an unmapped or protected page.")
	ErrHostFault  = errors.New("F3|HostFault: Generated code faulted outside guest memory.")
)

type Category int

const (
	CategoryNone Category = iota
	CategoryGeneration
	CategoryResource
	CategoryABI
	CategorySyscall
	CategoryGuestFault
)

func (c Category) String() string {
	switch c {
	case CategoryGeneration:
		return "generation"
	case CategoryResource:
		return "resource"
	case CategoryABI:
		return "abi"
	case CategorySyscall:
		return "syscall"
	case CategoryGuestFault:
		return "guest-fault"
	}
	return "none"
}

var categories = map[Category][]error{
	CategoryGeneration: {ErrUnsupportedOp, ErrTooManyOperands, ErrBadIR, ErrUndecodable, ErrUnsupportedWidth, ErrBadImage},
	CategoryResource:   {ErrCodeBufferFull, ErrCacheFull, ErrSpillOverflow},
	CategoryABI:        {ErrArityMismatch, ErrTypeMismatch, ErrUnknownHelper, ErrDuplicateHelper, ErrMissingHelper, ErrNoReturnReturned, ErrTooManyHelperArgs},
	CategorySyscall:    {ErrRestartSyscall},
	CategoryGuestFault: {ErrGuestFault, ErrPageFault, ErrHostFault},
}

// GetCategory classifies err by the sentinel it wraps.
func GetCategory(err error) Category {
	if err == nil {
		return CategoryNone
	}
	for c, errs := range categories {
		for _, e := range errs {
			if errors.Is(err, e) {
				return c
			}
		}
	}
	return CategoryNone
}

// Recoverable reports whether the engine can recover from err without
// stopping the vCPU.
func Recoverable(err error) bool {
	switch GetCategory(err) {
	case CategoryResource, CategorySyscall, CategoryGuestFault:
		return true
	}
	return false
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	nameDesc := strings.SplitN(errStr, "|", 2)[1]
	return strings.TrimSpace(strings.SplitN(nameDesc, ":", 2)[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(errStr, "|", 2)[0])
}
