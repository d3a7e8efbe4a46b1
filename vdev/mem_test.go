package vdev

import (
	"syscall"
	"testing"
	"unsafe"

	"github.com/coreforge/mpkernel/kvmif"
	"github.com/coreforge/mpkernel/npt"
	"github.com/coreforge/mpkernel/page"
	"github.com/coreforge/mpkernel/pgtable"
)

func requireKVM(t *testing.T) *npt.Table {
	t.Helper()

	dev, err := kvmif.Open()
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	vmFd, err := dev.CreateVM()
	if err != nil {
		t.Skipf("skipping: CreateVM failed: %v", err)
	}

	return npt.New(vmFd)
}

func TestCopyGuestRoundTrip(t *testing.T) {
	nt := requireKVM(t)

	mem, err := syscall.Mmap(-1, 0, 1<<20, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	defer syscall.Munmap(mem)

	hostVA := uintptr(unsafe.Pointer(&mem[0]))
	if err := nt.SetMmap(0, hostVA, uint64(len(mem))); err != nil {
		t.Fatalf("SetMmap: %v", err)
	}

	hm := page.NewHostMemory([]page.Region{{Start: 0, Size: 1 << 20, Type: page.RegionRAM}})
	pmap, err := pgtable.New(hm)
	if err != nil {
		t.Fatalf("pgtable.New: %v", err)
	}

	const deviceVA = 0x10000
	frame, _, err := hm.AllocZeroed()
	if err != nil {
		t.Fatalf("AllocZeroed: %v", err)
	}

	if err := pmap.Insert(frame, deviceVA, pgtable.Present|pgtable.Writable|pgtable.User, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	payload := []byte("guest memory peek/poke")
	copy(mem[0x200:], payload)

	if _, err := CopyFromGuest(nt, pmap, deviceVA, 0x200, len(payload)); err != nil {
		t.Fatalf("CopyFromGuest: %v", err)
	}

	got := make([]byte, len(payload))
	if n := pgtable.CopyOut(pmap, deviceVA, got); n != len(payload) {
		t.Fatalf("CopyOut after CopyFromGuest = %d, want %d", n, len(payload))
	}

	if string(got) != string(payload) {
		t.Fatalf("CopyFromGuest got %q, want %q", got, payload)
	}

	poke := []byte("poked back into guest")
	if n := pgtable.CopyIn(pmap, deviceVA, poke); n != len(poke) {
		t.Fatalf("CopyIn = %d, want %d", n, len(poke))
	}

	const pokeGPA = 0x400
	if _, err := CopyToGuest(nt, pmap, deviceVA, pokeGPA, len(poke)); err != nil {
		t.Fatalf("CopyToGuest: %v", err)
	}

	if string(mem[pokeGPA:pokeGPA+len(poke)]) != string(poke) {
		t.Fatalf("CopyToGuest wrote %q, want %q", mem[pokeGPA:pokeGPA+len(poke)], poke)
	}
}
