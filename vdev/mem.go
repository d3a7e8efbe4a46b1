package vdev

import (
	"fmt"
	"unsafe"

	"github.com/coreforge/mpkernel/npt"
	"github.com/coreforge/mpkernel/pgtable"
)

// unsafeBytes views size bytes of host memory at va as a []byte. Used
// only for guest RAM, which this module always backs with a real
// mmap'd Go byte slice (package vmm's VM.Memory); nt.Translate already
// validated va falls within a registered region.
func unsafeBytes(va uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(va)), size)
}

// CopyFromGuest resolves [gpa, gpa+size) through the VM's nested page
// table and copies it into the device process' address space at
// deviceVA, reusing (B)'s CopyIn the way spec.md §4.J's memory
// peek/poke describes ("uses (B).copy across the host user pmap of
// the device process").
func CopyFromGuest(nt *npt.Table, devicePMap *pgtable.PMap, deviceVA uint32, gpa uint64, size int) (int, error) {
	hostVA, err := nt.Translate(gpa)
	if err != nil {
		return 0, fmt.Errorf("vdev: copy_from_guest: %w", err)
	}

	src := unsafeBytes(hostVA, size)
	n := pgtable.CopyIn(devicePMap, deviceVA, src)

	if n != size {
		return n, fmt.Errorf("vdev: copy_from_guest: short copy (%d/%d)", n, size)
	}

	return n, nil
}

// CopyToGuest is the inverse: it reads size bytes out of the device
// process' address space at deviceVA and writes them into guest
// physical memory at gpa.
func CopyToGuest(nt *npt.Table, devicePMap *pgtable.PMap, deviceVA uint32, gpa uint64, size int) (int, error) {
	hostVA, err := nt.Translate(gpa)
	if err != nil {
		return 0, fmt.Errorf("vdev: copy_to_guest: %w", err)
	}

	dst := unsafeBytes(hostVA, size)
	n := pgtable.CopyOut(devicePMap, deviceVA, dst)

	if n != size {
		return n, fmt.Errorf("vdev: copy_to_guest: short copy (%d/%d)", n, size)
	}

	return n, nil
}
