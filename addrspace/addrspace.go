// Package addrspace is a thin policy layer over pgtable: reserve (the
// only allocate-on-map entry point), assign (install an
// externally-owned frame), and unassign. It also builds the kernel and
// user address space factories spec.md §3 describes.
package addrspace

import (
	"github.com/coreforge/mpkernel/page"
	"github.com/coreforge/mpkernel/pgtable"
)

// USER_LO / USER_HI bound the user-accessible region of the 4GiB
// address space; everything else is kernel-shared identity mapping.
const (
	UserLo = 0x4000_0000
	UserHi = 0xF000_0000
)

// AS wraps a pmap plus the host memory it allocates leaf frames from.
type AS struct {
	PMap  *pgtable.PMap
	frame *page.HostMemory
}

// NewKernel builds the one shared kernel pmap: identity-mapped
// [0, UserLo) ∪ [UserHi, 4GiB), global+writable.
func NewKernel(hm *page.HostMemory) (*AS, error) {
	m, err := pgtable.New(hm)
	if err != nil {
		return nil, err
	}

	as := &AS{PMap: m, frame: hm}

	if err := identityMap(as, 0, UserLo); err != nil {
		return nil, err
	}

	if err := identityMap(as, UserHi, 0x1_0000_0000-UserHi); err != nil {
		return nil, err
	}

	return as, nil
}

func identityMap(as *AS, start uint32, size uint32) error {
	perm := pgtable.Writable | pgtable.Global

	for off := uint32(0); off < size; off += page.Size {
		va := start + off
		// The kernel map identity-maps host-backed frames directly
		// rather than allocating fresh ones: the frame number equals
		// the page-aligned virtual address.
		if err := as.PMap.Insert(va/page.Size, va, perm, false); err != nil {
			return err
		}
	}

	return nil
}

// NewUser builds a user pmap holding the same kernel-shared identity
// mappings as the kernel map ([0, UserLo) and [UserHi, 4GiB)), so the
// kernel-shared region is always reachable from ring 0 after a CR3
// switch into a user process. The mappings are built afresh in the
// user pmap's own page tables; kernel's tables are not shared or read,
// so each user pmap allocates 321 frames (a directory and 320 tables).
func NewUser(hm *page.HostMemory, kernel *AS) (*AS, error) {
	m, err := pgtable.New(hm)
	if err != nil {
		return nil, err
	}

	as := &AS{PMap: m, frame: hm}

	if err := identityMap(as, 0, UserLo); err != nil {
		return nil, err
	}

	if err := identityMap(as, UserHi, 0x1_0000_0000-UserHi); err != nil {
		return nil, err
	}

	return as, nil
}

// Reserve allocates one frame, incref's it, and inserts it at va.
func (as *AS) Reserve(va uint32, perm uint32) error {
	f, err := as.frame.AllocPage()
	if err != nil {
		return err
	}

	return as.PMap.Insert(f, va, perm, false)
}

// Assign installs an externally-owned frame at va without taking a
// reference on it.
func (as *AS) Assign(va uint32, perm uint32, frame uint32) error {
	return as.PMap.Insert(frame, va, perm, false)
}

// Unassign is an alias for pgtable.Remove.
func (as *AS) Unassign(va uint32, size uint32) error {
	return as.PMap.Remove(va, size)
}

func (as *AS) CheckRange(va uint32, size uint32) bool { return as.PMap.CheckRange(va, size) }
func (as *AS) Lookup(va uint32) uint32                { return as.PMap.Lookup(va) }
