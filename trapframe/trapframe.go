// Package trapframe models the IDT dispatch table and the trap frame
// layout spec.md §4.E describes: a fixed-size save area pushed on
// kernel entry, a 256-entry vector table, and the kernel-vs-user
// branch that decides whether a full register save (and a later
// restore across a privilege change) is required.
//
// On real hardware, vectors 0-19 and 48 are pushed by a handwritten
// assembly stub per vector (to normalize the presence/absence of a
// hardware error code) before falling into the common Go-reachable
// dispatch path; that stub is the one piece of this port that cannot
// be expressed in Go and is represented here by the Stub seam instead.
package trapframe

import "fmt"

// Vector numbers with fixed meaning, grounded in the classic
// x86 IDT layout: CPU exceptions 0-19, PIC IRQs remapped to 32-47,
// the syscall gate at 48, the local APIC's own timer/error/perf
// vectors at 49-51, and the scheduler's IPI-reschedule vector at 55.
const (
	VecDivideError = 0
	VecDebug       = 1
	VecNMI         = 2
	VecBreakpoint  = 3
	VecOverflow    = 4
	VecBounds      = 5
	VecInvalidOp   = 6
	VecNoDevice    = 7
	VecDoubleFault = 8
	VecTSS         = 10
	VecSegment     = 11
	VecStack       = 12
	VecGPFault     = 13
	VecPageFault   = 14

	VecIRQBase = 32
	VecIRQMax  = 47

	VecSyscall = 48

	VecLocalAPICTimer = 49
	VecLocalAPICError = 50
	VecPerfCounters   = 51

	VecIPIResched = 55

	NumVectors = 256
)

// HasErrorCode reports whether the processor pushes a hardware error
// code for this vector, which changes the trap-frame layout below it
// on the stack.
func HasErrorCode(vec int) bool {
	switch vec {
	case 8, 10, 11, 12, 13, 14, 17:
		return true
	default:
		return false
	}
}

// Frame is the trap frame laid down on kernel entry. tf_ksize is the
// portion always present (saved by the common stub); tf_usize is the
// additional portion present only when the trap interrupted user mode
// (user SS:ESP, pushed by the processor on a privilege-level change).
type Frame struct {
	// General-purpose registers, saved by the common stub (pushad order).
	EDI, ESI, EBP, ESPDummy, EBX, EDX, ECX, EAX uint32

	// Segment registers, saved/restored around any trap from user mode.
	GS, FS, ES, DS uint32

	Vector    uint32
	ErrorCode uint32

	// Processor-pushed portion, always present.
	EIP    uint32
	CS     uint32
	EFlags uint32

	// Present only when the trapped context was user mode (tf_usize).
	ESP uint32
	SS  uint32
}

// FromUser reports whether this frame interrupted user mode, judged by
// the low two bits of the saved CS (CPL).
func (f *Frame) FromUser() bool { return f.CS&0x3 == 0x3 }

// Handler processes one trap; it returns an error only for conditions
// the caller should treat as fatal to the interrupted process (spec.md
// scenario S6: unhandled fault in user mode kills the process instead
// of panicking the kernel).
type Handler func(f *Frame) error

// ErrUnhandledVector is returned by Dispatch when no handler is
// registered and the trap arrived from user mode, matching spec.md's
// "fatal fault" semantics rather than a kernel panic.
var ErrUnhandledVector = fmt.Errorf("trapframe: unhandled vector")

// Table is the 256-entry IDT dispatch abstraction: one Go function
// pointer per vector, built once at boot and never mutated afterward
// except to install device/IPI handlers.
type Table struct {
	handlers [NumVectors]Handler
}

// NewTable builds an empty table; every vector takes Dispatch's
// default path (panic in kernel mode, ErrUnhandledVector from user
// mode) until installed.
func NewTable() *Table { return &Table{} }

// Install registers h for vec, replacing any previous handler.
func (t *Table) Install(vec int, h Handler) {
	t.handlers[vec] = h
}

// Dispatch runs the handler registered for f.Vector. A trap from
// kernel mode with no handler is a programming error and panics,
// mirroring a kernel that cannot safely continue after an
// unanticipated fault in its own code. A trap from user mode with no
// handler returns ErrUnhandledVector so the scheduler can kill the
// offending process instead.
func (t *Table) Dispatch(f *Frame) error {
	h := t.handlers[f.Vector]
	if h == nil {
		if f.FromUser() {
			return ErrUnhandledVector
		}
		panic(fmt.Sprintf("trapframe: unhandled vector %d in kernel mode", f.Vector))
	}

	return h(f)
}

// Stub represents the handwritten-assembly seam: on real hardware each
// low vector needs a tiny per-vector entry point that pushes a
// placeholder error code where the processor doesn't, pushes the
// vector number, and jumps to the common save path. This port has no
// ring 0 to place such code in, so Save/Restore below do the
// equivalent bookkeeping directly against a Frame value.
type Stub struct{}

// Save builds a Frame for delivering vec into the simulated CPU
// described by gpRegs/segRegs (in pushad/segment order) plus the
// processor-pushed EIP/CS/EFlags/[ESP/SS].
func (Stub) Save(vec uint32, errCode uint32, gp [8]uint32, seg [4]uint32, eip, cs, eflags, esp, ss uint32, fromUser bool) *Frame {
	f := &Frame{
		EDI: gp[0], ESI: gp[1], EBP: gp[2], ESPDummy: gp[3],
		EBX: gp[4], EDX: gp[5], ECX: gp[6], EAX: gp[7],
		GS: seg[0], FS: seg[1], ES: seg[2], DS: seg[3],
		Vector: vec, ErrorCode: errCode,
		EIP: eip, CS: cs, EFlags: eflags,
	}

	if fromUser {
		f.ESP = esp
		f.SS = ss
	}

	return f
}

// Restore is the inverse of Save: it reconstructs the register
// snapshot a real iret would load, given a Frame.
func (Stub) Restore(f *Frame) (gp [8]uint32, seg [4]uint32, eip, cs, eflags, esp, ss uint32) {
	gp = [8]uint32{f.EDI, f.ESI, f.EBP, f.ESPDummy, f.EBX, f.EDX, f.ECX, f.EAX}
	seg = [4]uint32{f.GS, f.FS, f.ES, f.DS}
	return gp, seg, f.EIP, f.CS, f.EFlags, f.ESP, f.SS
}

// ContextStart builds the initial trap frame for a brand-new process:
// EIP at its entry point, a flat user data/code selector pair, the
// interrupt-enable flag set, and the given initial user stack pointer.
// The scheduler "returns" into this frame exactly like it would return
// from any other trap, unifying process creation with the normal
// trap-return path (spec.md §4.F ProcExec reuses this).
func ContextStart(entry, userStack uint32, codeSel, dataSel uint32) *Frame {
	const eflagsIF = 1 << 9

	return &Frame{
		EIP:    entry,
		CS:     codeSel,
		EFlags: eflagsIF,
		ESP:    userStack,
		SS:     dataSel,
		GS:     dataSel,
		FS:     dataSel,
		ES:     dataSel,
		DS:     dataSel,
	}
}
