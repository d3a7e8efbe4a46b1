// Package pgtable implements a two-level 32-bit page table (pmap): a
// 4KiB page directory of 1024 PDEs, each either empty or pointing at a
// 4KiB page table of 1024 PTEs. Flag layout is grounded in the
// teacher's hypervisor.PTE_* constants, generalized from a single
// hardcoded 4MiB identity mapping into the full walk/insert/remove API
// spec.md §4.B requires.
package pgtable

import (
	"errors"

	"github.com/coreforge/mpkernel/page"
)

const (
	entriesPerTable = 1024
	pageShift       = 12
	dirShift        = 22
	pdeIndexMask    = 0x3FF
)

// PTE/PDE flag bits, low 12 bits of every entry.
const (
	Present      uint32 = 1 << 0
	Writable     uint32 = 1 << 1
	User         uint32 = 1 << 2
	WriteThrough uint32 = 1 << 3
	CacheDisable uint32 = 1 << 4
	Accessed     uint32 = 1 << 5
	Dirty        uint32 = 1 << 6
	PageSize4M   uint32 = 1 << 7
	Global       uint32 = 1 << 8

	flagMask = 0xFFF
)

// INV is the sentinel returned by Lookup when no level resolves.
const INV uint32 = 0xFFFFFFFF

var (
	ErrAlreadyPresent = errors.New("pgtable: va already mapped")
	ErrBadSize        = errors.New("pgtable: size not a page multiple")
)

// Frames is the narrow host-memory interface a PMap needs from the
// physical allocator: allocate a zeroed frame, and adjust refcounts.
// PMap never talks to package page directly so tests can substitute a
// fake.
type Frames interface {
	AllocZeroed() (uint32, []byte, error)
	Incref(frame uint32)
	Decref(frame uint32)
	Bytes(frame uint32) []byte
}

// PMap is a single process' (or the kernel's) two-level page table. It
// exclusively owns the directory; leaf frames are refcounted through
// Frames (backed by package page in production).
type PMap struct {
	frames Frames
	dir    []uint32 // 1024 PDEs, host-resident simulation of the directory page
	dirFr  uint32
	tables map[uint32][]uint32 // frame number -> 1024 PTEs, host-resident
}

func New(f Frames) (*PMap, error) {
	fr, _, err := f.AllocZeroed()
	if err != nil {
		return nil, err
	}

	return &PMap{
		frames: f,
		dir:    make([]uint32, entriesPerTable),
		dirFr:  fr,
		tables: make(map[uint32][]uint32),
	}, nil
}

func pdIndex(va uint32) uint32 { return (va >> dirShift) & pdeIndexMask }
func ptIndex(va uint32) uint32 { return (va >> pageShift) & pdeIndexMask }
func pageBase(va uint32) uint32 { return va &^ ((1 << pageShift) - 1) }

// Walk returns a pointer (index pair) to the PTE addressing va. When
// the intermediate PDE is empty and create is true, a zeroed frame is
// allocated (the allocation's reference is the PDE's one reference)
// and installed with present|writable|user|accessed. With create false
// and no PDE present, or when that allocation fails, ok is false.
func (m *PMap) Walk(va uint32, create bool) (table []uint32, idx uint32, ok bool) {
	pdi := pdIndex(va)
	pde := m.dir[pdi]

	if pde&Present == 0 {
		if !create {
			return nil, 0, false
		}

		fr, _, err := m.frames.AllocZeroed()
		if err != nil {
			return nil, 0, false
		}

		m.dir[pdi] = (fr << pageShift) | Present | Writable | User | Accessed
		m.tables[fr] = make([]uint32, entriesPerTable)
		pde = m.dir[pdi]
	}

	fr := pde >> pageShift

	return m.tables[fr], ptIndex(va), true
}

// Insert maps frame at va with perm. Fails if va already has a present
// PTE, or with page.ErrNoMem when a page table cannot be allocated.
// incref true takes an extra reference on frame for this mapping;
// false installs it without one (addrspace.Reserve hands the mapping
// the reference AllocPage returned, and addrspace.Assign maps frames
// it does not own).
func (m *PMap) Insert(frame uint32, va uint32, perm uint32, incref bool) error {
	table, idx, ok := m.Walk(va, true)
	if !ok {
		return page.ErrNoMem
	}

	if table[idx]&Present != 0 {
		return ErrAlreadyPresent
	}

	if incref {
		m.frames.Incref(frame)
	}

	table[idx] = (frame << pageShift) | (perm & flagMask) | Present

	return nil
}

// Remove unmaps [va, va+size). size must be a page multiple. Page
// tables that become entirely unmapped are decref'd and their PDE
// cleared; every present normal-pool leaf PTE is decref'd.
func (m *PMap) Remove(va uint32, size uint32) error {
	if size%page.Size != 0 {
		return ErrBadSize
	}

	for off := uint32(0); off < size; off += page.Size {
		cur := va + off
		pdi := pdIndex(cur)
		pde := m.dir[pdi]

		if pde&Present == 0 {
			continue
		}

		fr := pde >> pageShift
		table := m.tables[fr]
		idx := ptIndex(cur)

		if table[idx]&Present != 0 {
			leaf := table[idx] >> pageShift
			m.frames.Decref(leaf)
			table[idx] = 0
		}

		if tableEmpty(table) {
			m.frames.Decref(fr)
			delete(m.tables, fr)
			m.dir[pdi] = 0
		}
	}

	return nil
}

func tableEmpty(table []uint32) bool {
	for _, e := range table {
		if e&Present != 0 {
			return false
		}
	}

	return true
}

// SetPerm OR-updates flags on each PTE in [va, va+size), allocating
// page tables as necessary. A zero-present range with perm=0 is a
// no-op.
func (m *PMap) SetPerm(va uint32, size uint32, perm uint32) error {
	if size%page.Size != 0 {
		return ErrBadSize
	}

	for off := uint32(0); off < size; off += page.Size {
		cur := va + off
		table, idx, _ := m.Walk(cur, true)
		table[idx] |= perm & flagMask
	}

	return nil
}

// Lookup returns the PTE for va, or INV if any level is not present.
func (m *PMap) Lookup(va uint32) uint32 {
	table, idx, ok := m.Walk(va, false)
	if !ok {
		return INV
	}

	if table[idx]&Present == 0 {
		return INV
	}

	return table[idx]
}

// CheckRange reports whether every page in [va, va+size) has a
// present PTE. CheckRange(va, 0) trivially succeeds.
func (m *PMap) CheckRange(va uint32, size uint32) bool {
	if size == 0 {
		return true
	}

	for off := uint32(0); off < size; off += page.Size {
		if m.Lookup(pageBase(va)+off) == INV {
			return false
		}
	}

	return true
}

// frameBytes returns the simulated host-resident byte storage for a
// physical frame, used by Copy/Memset.
func (m *PMap) frameBytes(frame uint32) []byte {
	return m.frames.Bytes(frame)
}

// Copy performs an element-wise byte copy from src_pmap[src_va:+size]
// to dst_pmap[dst_va:+size], page by page, through both pmaps'
// translations. Returns the number of bytes copied; 0 if either range
// does not fully resolve.
func Copy(dst *PMap, dstVA uint32, src *PMap, srcVA uint32, size uint32) int {
	if !dst.CheckRange(dstVA, size) || !src.CheckRange(srcVA, size) {
		return 0
	}

	copied := 0

	for copied < int(size) {
		dstPTE := dst.Lookup(pageBase(dstVA + uint32(copied)))
		srcPTE := src.Lookup(pageBase(srcVA + uint32(copied)))

		dstOff := (dstVA + uint32(copied)) & (page.Size - 1)
		srcOff := (srcVA + uint32(copied)) & (page.Size - 1)

		n := page.Size - dstOff
		if o := page.Size - srcOff; o < n {
			n = o
		}

		remaining := uint32(size) - uint32(copied)
		if n > remaining {
			n = remaining
		}

		dstBuf := dst.frameBytes(dstPTE >> pageShift)
		srcBuf := src.frameBytes(srcPTE >> pageShift)
		copy(dstBuf[dstOff:dstOff+n], srcBuf[srcOff:srcOff+n])

		copied += int(n)
	}

	return copied
}

// Memset fills [va, va+size) in pmap with byte b, page by page.
func Memset(m *PMap, va uint32, b byte, size uint32) int {
	if !m.CheckRange(va, size) {
		return 0
	}

	done := 0

	for done < int(size) {
		pte := m.Lookup(pageBase(va + uint32(done)))
		off := (va + uint32(done)) & (page.Size - 1)

		n := page.Size - off
		remaining := uint32(size) - uint32(done)

		if n > remaining {
			n = remaining
		}

		buf := m.frameBytes(pte >> pageShift)
		for i := uint32(0); i < n; i++ {
			buf[off+i] = b
		}

		done += int(n)
	}

	return done
}

// CopyIn copies data into [va, va+len(data)) of m, page by page.
// Returns the number of bytes copied; 0 if the range does not fully
// resolve. Used to load file-backed segments (ELF PT_LOAD) into a
// freshly reserved range.
func CopyIn(m *PMap, va uint32, data []byte) int {
	size := uint32(len(data))
	if !m.CheckRange(va, size) {
		return 0
	}

	done := 0

	for done < len(data) {
		pte := m.Lookup(pageBase(va + uint32(done)))
		off := (va + uint32(done)) & (page.Size - 1)

		n := page.Size - off
		remaining := uint32(len(data)) - uint32(done)

		if n > remaining {
			n = remaining
		}

		buf := m.frameBytes(pte >> pageShift)
		copy(buf[off:off+n], data[done:done+int(n)])

		done += int(n)
	}

	return done
}

// CopyOut is the inverse of CopyIn: it fills dst with the bytes at
// [va, va+len(dst)) of m. Returns the number of bytes copied; 0 if the
// range does not fully resolve.
func CopyOut(m *PMap, va uint32, dst []byte) int {
	size := uint32(len(dst))
	if !m.CheckRange(va, size) {
		return 0
	}

	done := 0

	for done < len(dst) {
		pte := m.Lookup(pageBase(va + uint32(done)))
		off := (va + uint32(done)) & (page.Size - 1)

		n := page.Size - off
		remaining := uint32(len(dst)) - uint32(done)

		if n > remaining {
			n = remaining
		}

		buf := m.frameBytes(pte >> pageShift)
		copy(dst[done:done+int(n)], buf[off:off+n])

		done += int(n)
	}

	return done
}
