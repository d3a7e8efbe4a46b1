// Package npt is the nested-paging layer MODULE I describes: unlike
// pgtable (a software two-level table this kernel walks itself), guest
// physical memory is translated by the hardware's own second-level
// table, which this process only configures by registering host-backed
// memory slots with KVM (grounded in the teacher's
// hypervisor.DoKVMSetUserMemoryRegion, generalized into a slot
// allocator rather than one hardcoded region).
package npt

import (
	"fmt"
	"sync"

	"github.com/coreforge/mpkernel/kvmif"
	"github.com/coreforge/mpkernel/page"
)

// MaxSlots bounds the number of distinct guest-physical memory
// regions one VM can register, matching this kernel's other
// fixed-pool conventions.
const MaxSlots = 32

var ErrNoFreeSlot = fmt.Errorf("npt: no free memory slot")
var ErrUnmapped = fmt.Errorf("npt: guest physical address not backed")

// region tracks one registered mapping so Translate can answer
// without another ioctl.
type region struct {
	inUse  bool
	gpa    uint64
	size   uint64
	hostVA uintptr
}

// Table owns the slot bookkeeping for one VM's second-level
// translation. It registers host memory ranges with the hardware MMU
// through kvmif and keeps enough bookkeeping to classify and resolve
// NPT/EPT faults reported on VM-exit.
type Table struct {
	mu     sync.Mutex
	vmFd   uintptr
	slots  [MaxSlots]region
}

func New(vmFd uintptr) *Table {
	return &Table{vmFd: vmFd}
}

// SetMmap registers size bytes of host memory at hostVA as the backing
// store for guest physical addresses [gpa, gpa+size). This is the only
// way guest memory comes into existence: there is no lazy
// page-at-a-time installation the way pgtable.Walk does for process
// address spaces, because the hardware's own table walker handles
// translation once a slot exists.
func (t *Table) SetMmap(gpa uint64, hostVA uintptr, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := -1
	for i := range t.slots {
		if !t.slots[i].inUse {
			slot = i
			break
		}
	}

	if slot == -1 {
		return ErrNoFreeSlot
	}

	r := kvmif.UserspaceMemoryRegion{
		Slot:          uint32(slot),
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(hostVA),
	}

	if err := kvmif.SetUserMemoryRegion(t.vmFd, &r); err != nil {
		return fmt.Errorf("npt: SetUserMemoryRegion slot %d: %w", slot, err)
	}

	t.slots[slot] = region{inUse: true, gpa: gpa, size: size, hostVA: hostVA}

	return nil
}

// Unmap tears down the slot whose region starts at gpa by registering a
// zero-size region at the same slot, the documented KVM idiom for
// removing a memory region.
func (t *Table) Unmap(gpa uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].inUse && t.slots[i].gpa == gpa {
			r := kvmif.UserspaceMemoryRegion{Slot: uint32(i), GuestPhysAddr: gpa}
			if err := kvmif.SetUserMemoryRegion(t.vmFd, &r); err != nil {
				return err
			}

			t.slots[i] = region{}
			return nil
		}
	}

	return ErrUnmapped
}

// Translate resolves a guest physical address to the host address
// backing it, used when the VMM needs to read/write guest memory
// directly (vdev peek/poke, DMA emulation) rather than through a
// VM-exit.
func (t *Table) Translate(gpa uint64) (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.slots {
		if r.inUse && gpa >= r.gpa && gpa < r.gpa+r.size {
			return r.hostVA + uintptr(gpa-r.gpa), nil
		}
	}

	return 0, ErrUnmapped
}

// FaultKind classifies why the hardware reported an NPT/EPT fault,
// mirroring the read/write/execute/present bits KVM_EXIT_MMIO-adjacent
// paths surface.
type FaultKind int

const (
	FaultUnknown FaultKind = iota
	FaultNotPresent
	FaultReadOnlyWrite
	FaultReservedBits
)

// ClassifyFault turns the raw error-code style bits KVM reports for a
// nested-paging fault into a FaultKind, the NPT/EPT analogue of
// pgtable's Lookup returning INV.
func ClassifyFault(errorCode uint64) FaultKind {
	const (
		bitPresent = 1 << 0
		bitWrite   = 1 << 1
		bitRsvd    = 1 << 3
	)

	switch {
	case errorCode&bitRsvd != 0:
		return FaultReservedBits
	case errorCode&bitPresent == 0:
		return FaultNotPresent
	case errorCode&bitWrite != 0:
		return FaultReadOnlyWrite
	default:
		return FaultUnknown
	}
}

// GuestFrames returns the number of page.Size frames size bytes
// occupies, used when a VM's boot-time RAM region is sized in frames
// rather than bytes.
func GuestFrames(size uint64) uint64 {
	return (size + page.Size - 1) / page.Size
}
