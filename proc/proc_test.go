package proc

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/coreforge/mpkernel/addrspace"
	"github.com/coreforge/mpkernel/ipc"
	"github.com/coreforge/mpkernel/page"
)

func newTable(t *testing.T) *Table {
	t.Helper()

	hm := page.NewHostMemory([]page.Region{{Start: 0, Size: 1 << 25, Type: page.RegionRAM}})
	kern, err := addrspace.NewKernel(hm)
	if err != nil {
		t.Fatal(err)
	}

	return NewTable(hm, kern)
}

// minimalELF builds a one-segment ELF32 executable: entry = vaddr,
// a handful of code bytes as the PT_LOAD payload.
func minimalELF(vaddr, entry uint32, code []byte) []byte {
	const ehsize = 52
	const phentsize = 32

	buf := &bytes.Buffer{}

	ident := [16]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0}
	buf.Write(ident[:])
	binary.Write(buf, binary.LittleEndian, uint16(2))         // e_type = ET_EXEC
	binary.Write(buf, binary.LittleEndian, uint16(3))         // e_machine = EM_386
	binary.Write(buf, binary.LittleEndian, uint32(1))         // e_version
	binary.Write(buf, binary.LittleEndian, uint32(entry))     // e_entry
	binary.Write(buf, binary.LittleEndian, uint32(ehsize))    // e_phoff
	binary.Write(buf, binary.LittleEndian, uint32(0))         // e_shoff
	binary.Write(buf, binary.LittleEndian, uint32(0))         // e_flags
	binary.Write(buf, binary.LittleEndian, uint16(ehsize))    // e_ehsize
	binary.Write(buf, binary.LittleEndian, uint16(phentsize)) // e_phentsize
	binary.Write(buf, binary.LittleEndian, uint16(1))         // e_phnum
	binary.Write(buf, binary.LittleEndian, uint16(0))         // e_shentsize
	binary.Write(buf, binary.LittleEndian, uint16(0))         // e_shnum
	binary.Write(buf, binary.LittleEndian, uint16(0))         // e_shstrndx

	dataOff := uint32(ehsize + phentsize)

	binary.Write(buf, binary.LittleEndian, uint32(1))          // p_type = PT_LOAD
	binary.Write(buf, binary.LittleEndian, uint32(dataOff))    // p_offset
	binary.Write(buf, binary.LittleEndian, uint32(vaddr))      // p_vaddr
	binary.Write(buf, binary.LittleEndian, uint32(vaddr))      // p_paddr
	binary.Write(buf, binary.LittleEndian, uint32(len(code)))  // p_filesz
	binary.Write(buf, binary.LittleEndian, uint32(len(code)))  // p_memsz
	binary.Write(buf, binary.LittleEndian, uint32(5))          // p_flags = R|X
	binary.Write(buf, binary.LittleEndian, uint32(page.Size))  // p_align

	buf.Write(code)

	return buf.Bytes()
}

func TestProcNewAssignsUserAddressSpace(t *testing.T) {
	tab := newTable(t)

	p, err := tab.ProcNew()
	if err != nil {
		t.Fatalf("ProcNew: %v", err)
	}

	if p.State != Embryo {
		t.Fatalf("new proc state = %v, want Embryo", p.State)
	}

	if p.AS == nil {
		t.Fatalf("ProcNew must assign an address space")
	}
}

func TestProcNewExhaustsPoolWithErrNoFreeSlot(t *testing.T) {
	tab := newTable(t)

	for i := 0; i < MaxPID; i++ {
		if _, err := tab.ProcNew(); err != nil {
			t.Fatalf("ProcNew[%d]: %v", i, err)
		}
	}

	if _, err := tab.ProcNew(); err != ErrNoFreeSlot {
		t.Fatalf("ProcNew past capacity = %v, want ErrNoFreeSlot", err)
	}
}

func TestProcExecLoadsSegmentAndBuildsFrame(t *testing.T) {
	tab := newTable(t)

	p, err := tab.ProcNew()
	if err != nil {
		t.Fatal(err)
	}

	const vaddr = addrspace.UserLo
	code := []byte{0x90, 0x90, 0xF4} // nop, nop, hlt

	image := minimalELF(vaddr, vaddr, code)

	if err := ProcExec(p, image, 0x1B, 0x23); err != nil {
		t.Fatalf("ProcExec: %v", err)
	}

	if p.State != Runnable {
		t.Fatalf("state after ProcExec = %v, want Runnable", p.State)
	}

	if p.TF.EIP != vaddr {
		t.Fatalf("TF.EIP = %#x, want %#x", p.TF.EIP, vaddr)
	}

	if !p.AS.CheckRange(vaddr, page.Size) {
		t.Fatalf("loaded segment should be mapped")
	}
}

func TestSchedRoundRobin(t *testing.T) {
	tab := newTable(t)
	s := NewSched()

	p1, _ := tab.ProcNew()
	p2, _ := tab.ProcNew()

	s.Enqueue(p1)
	s.Enqueue(p2)

	first := s.Next()
	if first != p1 {
		t.Fatalf("first scheduled = pid %d, want %d", first.Pid, p1.Pid)
	}

	second := s.Next()
	if second != p2 {
		t.Fatalf("second scheduled = pid %d, want %d", second.Pid, p2.Pid)
	}

	third := s.Next()
	if third != p1 {
		t.Fatalf("third scheduled = pid %d, want %d (round robin wrap)", third.Pid, p1.Pid)
	}
}

func TestSchedSleepWake(t *testing.T) {
	tab := newTable(t)
	s := NewSched()

	p, _ := tab.ProcNew()
	s.Enqueue(p)
	s.Next() // p is now Running

	const chanKey = uintptr(0xdead_beef)
	s.SchedSleep(p, chanKey)

	if p.State != Sleeping {
		t.Fatalf("state after SchedSleep = %v, want Sleeping", p.State)
	}

	if next := s.Next(); next != nil {
		t.Fatalf("Next on empty ready queue should return nil, got pid %d", next.Pid)
	}

	s.SchedWake(chanKey)

	if p.State != Runnable {
		t.Fatalf("state after SchedWake = %v, want Runnable", p.State)
	}

	if woken := s.Next(); woken != p {
		t.Fatalf("Next after wake = %v, want the woken proc", woken)
	}
}

func TestPageFaultDemandZeroPastBreak(t *testing.T) {
	tab := newTable(t)
	s := NewSched()

	p, err := tab.ProcNew()
	if err != nil {
		t.Fatal(err)
	}

	const vaddr = addrspace.UserLo
	image := minimalELF(vaddr, vaddr, []byte{0x90})
	if err := ProcExec(p, image, 0x1B, 0x23); err != nil {
		t.Fatal(err)
	}

	// Fault one page above the loaded segment: not-present, still
	// within the user range, so it demand-fills regardless of where
	// the current break sits.
	faultVA := uint32(vaddr) + page.Size

	if err := s.PageFault(p, faultVA); err != nil {
		t.Fatalf("PageFault: %v", err)
	}

	if !p.AS.CheckRange(faultVA, page.Size) {
		t.Fatalf("demand-zero page should now be mapped")
	}
}

func TestPageFaultOnMappedStackPageIsFatalAndKills(t *testing.T) {
	tab := newTable(t)
	s := NewSched()

	p, err := tab.ProcNew()
	if err != nil {
		t.Fatal(err)
	}

	image := minimalELF(addrspace.UserLo, addrspace.UserLo, []byte{0x90})
	if err := ProcExec(p, image, 0x1B, 0x23); err != nil {
		t.Fatal(err)
	}

	// UserHi-page.Size is VMStackHi, the stack page ProcExec mapped.
	if err := s.PageFault(p, addrspace.UserHi-page.Size); err != ErrFatalFault {
		t.Fatalf("PageFault on mapped stack page = %v, want ErrFatalFault", err)
	}

	if !p.Killed {
		t.Fatalf("process should be marked Killed after a fatal fault")
	}
}

type alwaysAlive struct{}

func (alwaysAlive) Alive(ipc.Endpoint) bool { return true }

// TestProcWaiterBlocksUntilWoken exercises ProcWaiter as a real
// ipc.Waiter: a receiver goroutine blocks on an empty channel via its
// own scheduler until a sender goroutine (a different process, same
// scheduler) deposits a message.
func TestProcWaiterBlocksUntilWoken(t *testing.T) {
	tab := newTable(t)
	s := NewSched()

	sender, err := tab.ProcNew()
	if err != nil {
		t.Fatal(err)
	}

	receiver, err := tab.ProcNew()
	if err != nil {
		t.Fatal(err)
	}

	sEP := ipc.Endpoint{Pid: sender.Pid}
	rEP := ipc.Endpoint{Pid: receiver.Pid}
	ch := ipc.New(sEP, rEP, alwaysAlive{})

	recvDone := make(chan struct{})
	var got []byte

	go func() {
		buf := make([]byte, 16)
		n, err := ch.Recv(rEP, ProcWaiter{Sched: s, Proc: receiver}, buf, false)
		if err != nil {
			t.Errorf("Recv: %v", err)
		}
		got = buf[:n]
		close(recvDone)
	}()

	// Give the receiver goroutine a chance to block before sending.
	runtime.Gosched()

	if err := ch.Send(sEP, ProcWaiter{Sched: s, Proc: sender}, []byte("hi"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}

	<-recvDone

	if string(got) != "hi" {
		t.Fatalf("Recv got %q, want %q", got, "hi")
	}
}
