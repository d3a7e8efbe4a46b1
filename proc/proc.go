// Package proc implements the process table and pinned round-robin
// scheduler from spec.md §4.F: a fixed pool of process control blocks,
// ELF program loading into a fresh address space, sleep/wake on an
// opaque wait channel, and demand-zero fault handling for the user
// address range.
package proc

import (
	"debug/elf"
	"fmt"
	"sync"

	"github.com/coreforge/mpkernel/addrspace"
	"github.com/coreforge/mpkernel/page"
	"github.com/coreforge/mpkernel/pgtable"
	"github.com/coreforge/mpkernel/trapframe"
)

// MaxPID bounds the process table: no more than this many live
// processes at once, matching the fixed-pool convention the rest of
// this kernel uses for memory and address-space objects.
const MaxPID = 64

// SchedSlice is the nominal quantum a running process keeps the CPU
// before the scheduler preempts it; this kernel has no real
// timer interrupt to drive preemption, so nothing reads it, and
// Proc.Ticks is only reset by Next.
const SchedSlice = 20 // milliseconds

// VMStackHi is the base of the one-page user stack, one page below the
// kernel-shared hole at UserHi; the initial stack pointer is
// VMStackHi+page.Size, which equals UserHi.
const VMStackHi = addrspace.UserHi - page.Size

type State int

const (
	Unused State = iota
	Embryo
	Runnable
	Running
	Sleeping
	Zombie
)

var ErrNoFreeSlot = fmt.Errorf("proc: no free process slot")
var ErrBadELF = fmt.Errorf("proc: malformed ELF image")
var ErrFatalFault = fmt.Errorf("proc: fatal fault in user process")

// Proc is one process control block.
type Proc struct {
	Pid    int
	State  State
	AS     *addrspace.AS
	TF     *trapframe.Frame
	Parent *Proc
	Chan   uintptr // wait channel this PCB is sleeping on, valid only in Sleeping
	Killed bool
	Ticks  int

	heapHi uint32 // current break; PageFault does not consult it
}

// Table is the fixed-size process pool. One Table models the whole
// machine's process set; the ready queues live in Sched, one per CPU
// (each CPU pulls from its own ready queue), matching spec.md's pinned
// round robin rather than a single global run queue.
type Table struct {
	mu    sync.Mutex
	procs [MaxPID]Proc
	hm    *page.HostMemory
	kern  *addrspace.AS
}

func NewTable(hm *page.HostMemory, kernel *addrspace.AS) *Table {
	return &Table{hm: hm, kern: kernel}
}

// ProcNew finds a free slot, builds a fresh user address space for it,
// and returns the embryo PCB. The caller completes setup with ProcExec.
func (t *Table) ProcNew() (*Proc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.procs {
		if t.procs[i].State == Unused {
			as, err := addrspace.NewUser(t.hm, t.kern)
			if err != nil {
				return nil, err
			}

			p := &t.procs[i]
			*p = Proc{Pid: i, State: Embryo, AS: as}
			return p, nil
		}
	}

	return nil, ErrNoFreeSlot
}

// ProcExec loads an ELF image's PT_LOAD segments into p's address
// space, zero-fills bss, sets up the initial user stack, and builds
// the trap frame the scheduler will first return into.
func ProcExec(p *Proc, image []byte, codeSel, dataSel uint32) error {
	f, err := elf.NewFile(byteReaderAt{image})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadELF, err)
	}

	var maxVA uint32

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if err := loadSegment(p, image, prog); err != nil {
			return err
		}

		if end := uint32(prog.Vaddr + prog.Memsz); end > maxVA {
			maxVA = end
		}
	}

	p.heapHi = pageRoundUp(maxVA)

	if err := p.AS.Reserve(VMStackHi, pgtable.Writable|pgtable.User); err != nil {
		return err
	}

	p.TF = trapframe.ContextStart(uint32(f.Entry), VMStackHi+page.Size, codeSel, dataSel)
	p.State = Runnable

	return nil
}

func loadSegment(p *Proc, image []byte, prog *elf.Prog) error {
	start := pageRoundDown(uint32(prog.Vaddr))
	end := pageRoundUp(uint32(prog.Vaddr + prog.Memsz))

	for va := start; va < end; va += page.Size {
		if err := p.AS.Reserve(va, pgtable.Writable|pgtable.User); err != nil {
			return err
		}
	}

	fileData := image[prog.Off : prog.Off+prog.Filesz]
	n := pgtable.CopyIn(p.AS.PMap, uint32(prog.Vaddr), fileData)
	if n != len(fileData) {
		return fmt.Errorf("%w: short segment copy (%d/%d)", ErrBadELF, n, len(fileData))
	}

	return nil
}

func pageRoundDown(va uint32) uint32 { return va &^ (page.Size - 1) }
func pageRoundUp(va uint32) uint32   { return pageRoundDown(va+page.Size-1) }

// byteReaderAt adapts a []byte to io.ReaderAt for debug/elf.
type byteReaderAt struct{ b []byte }

func (r byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, fmt.Errorf("proc: read past end of image")
	}

	n := copy(p, r.b[off:])
	return n, nil
}

// Sched is one CPU's scheduling state: a ready queue of runnable
// procs pinned to this CPU (spec.md's "pinned round robin" has no
// migration between CPUs), the currently running proc, and a sleep
// set keyed by wait channel.
type Sched struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ready   []*Proc
	current *Proc
	sleep   map[uintptr][]*Proc
}

func NewSched() *Sched {
	s := &Sched{sleep: make(map[uintptr][]*Proc)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue marks p Runnable and appends it to the ready queue.
func (s *Sched) Enqueue(p *Proc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.State = Runnable
	s.ready = append(s.ready, p)
}

// Next picks the next runnable proc round robin, requeuing the
// previously running one (if still runnable) behind it.
func (s *Sched) Next() *Proc {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.current; prev != nil && prev.State == Running {
		prev.State = Runnable
		s.ready = append(s.ready, prev)
	}

	if len(s.ready) == 0 {
		s.current = nil
		return nil
	}

	next := s.ready[0]
	s.ready = s.ready[1:]
	next.State = Running
	next.Ticks = 0
	s.current = next

	return next
}

// SchedSleep moves the currently running proc onto the sleep queue
// keyed by chan, to be woken by a matching SchedWake. The caller must
// then invoke Next to pick a replacement, mirroring a real kernel's
// sleep-then-reschedule sequence (an IPI would retrigger this on
// another CPU; this single-process model calls Next directly).
func (s *Sched) SchedSleep(p *Proc, chanKey uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.State = Sleeping
	p.Chan = chanKey
	s.sleep[chanKey] = append(s.sleep[chanKey], p)

	if s.current == p {
		s.current = nil
	}
}

// SchedWake moves every proc sleeping on chanKey back onto the ready
// queue. Matches the "wake all" semantics the ipc package needs at the
// empty/full transition rather than waking a single waiter.
func (s *Sched) SchedWake(chanKey uintptr) {
	s.mu.Lock()
	waiters := s.sleep[chanKey]
	delete(s.sleep, chanKey)
	s.mu.Unlock()

	for _, p := range waiters {
		s.Enqueue(p)
	}

	s.cond.Broadcast()
}

// ProcWaiter adapts one process's view of its scheduler to the narrow
// ipc.Waiter interface: SchedSleep both records the bookkeeping state
// change (so Next stops scheduling the process) and parks the calling
// goroutine until a matching SchedWake, since this hosted simulation
// runs each process as its own goroutine rather than performing a real
// kernel context switch.
type ProcWaiter struct {
	Sched *Sched
	Proc  *Proc
}

func (w ProcWaiter) SchedSleep(chanKey uintptr) {
	w.Sched.SchedSleep(w.Proc, chanKey)

	w.Sched.mu.Lock()
	for w.Proc.State == Sleeping {
		w.Sched.cond.Wait()
	}
	w.Sched.mu.Unlock()
}

func (w ProcWaiter) SchedWake(chanKey uintptr) {
	w.Sched.SchedWake(chanKey)
}

// Kill marks p for termination; a sleeping process wakes on its own
// channel so it notices Killed on its next scheduling point, and a
// runnable one is simply flagged.
func (s *Sched) Kill(p *Proc) {
	s.mu.Lock()
	p.Killed = true
	s.mu.Unlock()

	if p.State == Sleeping {
		s.SchedWake(p.Chan)
	}
}

// PageFault handles vector 14 for the currently running process: any
// not-present fault in the user range is demand-allocated (reserve the
// page and retry), matching the original page-fault handler's
// present-bit-only test rather than gating on the current break. A
// fault on an already-mapped page is a protection violation and is
// fatal, per spec.md scenario S6 (no segfault signal delivery, the
// process is just killed).
func (s *Sched) PageFault(p *Proc, faultVA uint32) error {
	va := pageRoundDown(faultVA)

	if va >= addrspace.UserLo && va < addrspace.UserHi && !p.AS.CheckRange(va, page.Size) {
		return p.AS.Reserve(va, pgtable.Writable|pgtable.User)
	}

	s.Kill(p)
	return ErrFatalFault
}
