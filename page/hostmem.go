package page

// HostMemory backs a simulated physical address space: the allocator
// for frame accounting plus a contiguous byte arena standing in for
// mapped DRAM, since a hosted Go process has no real physical memory
// to hand out. It implements pgtable.Frames structurally (no import
// needed — Go interfaces are satisfied by method set).
type HostMemory struct {
	*Allocator
	arena []byte
}

func NewHostMemory(regions []Region) *HostMemory {
	a := NewFromMemoryMap(regions)

	var top uintptr
	for _, r := range regions {
		if end := r.Start + r.Size; end > top {
			top = end
		}
	}

	return &HostMemory{Allocator: a, arena: make([]byte, top)}
}

// AllocZeroed allocates one frame and returns its backing bytes,
// zeroing them here because Free does not clear a frame.
func (h *HostMemory) AllocZeroed() (uint32, []byte, error) {
	f, err := h.AllocPage()
	if err != nil {
		return 0, nil, err
	}

	buf := h.Bytes(f)
	for i := range buf {
		buf[i] = 0
	}

	return f, buf, nil
}

// Bytes returns the Size-byte window of the arena backing frame f.
func (h *HostMemory) Bytes(f uint32) []byte {
	off := uintptr(f) * Size
	return h.arena[off : off+Size]
}
