package page

import "testing"

func allRAM(nframes int) []Region {
	return []Region{{Start: 0, Size: uintptr(nframes) * Size, Type: RegionRAM}}
}

// TestAllocFreeRoundTrip is scenario S1 from spec.md §8: free list
// [F3,F4,F5]; alloc F3, alloc F4, free F3 -> [F3,F5].
func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewFromMemoryMap(allRAM(6))

	// Drain frames 0,1,2 so the free list head is F3.
	for i := 0; i < 3; i++ {
		if _, err := a.AllocPage(); err != nil {
			t.Fatalf("drain alloc %d: %v", i, err)
		}
	}

	f3, err := a.AllocPage()
	if err != nil || f3 != 3 {
		t.Fatalf("alloc F3: got %d, %v", f3, err)
	}

	f4, err := a.AllocPage()
	if err != nil || f4 != 4 {
		t.Fatalf("alloc F4: got %d, %v", f4, err)
	}

	a.Decref(f3) // refcount 1 -> 0 triggers Free

	if !a.OnFreeList(3) {
		t.Fatalf("F3 should be back on the free list")
	}

	got := append([]uint32{}, a.freeList...)
	want := []uint32{3, 5}

	if len(got) != len(want) {
		t.Fatalf("free list = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("free list = %v, want %v", got, want)
		}
	}
}

func TestAllocPagesContiguous(t *testing.T) {
	a := NewFromMemoryMap(allRAM(8))

	run, err := a.AllocPages(3, 0)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}

	for i, f := range run {
		if f != uint32(i) {
			t.Fatalf("run = %v, want contiguous from 0", run)
		}
	}
}

// AllocPages with n larger than the largest contiguous free run fails
// with NoMem and leaves the free list unchanged.
func TestAllocPagesNoMemLeavesListUnchanged(t *testing.T) {
	a := NewFromMemoryMap(allRAM(4))

	// Take frames 0 and 1, leaving a two-frame run [2, 3].
	for i := 0; i < 2; i++ {
		if _, err := a.AllocPage(); err != nil {
			t.Fatal(err)
		}
	}

	before := append([]uint32{}, a.freeList...)

	if _, err := a.AllocPages(10, 0); err != ErrNoMem {
		t.Fatalf("want ErrNoMem, got %v", err)
	}

	after := append([]uint32{}, a.freeList...)
	if len(before) != len(after) {
		t.Fatalf("free list mutated on failed alloc: before=%v after=%v", before, after)
	}
}

func TestIncrefDecrefToZeroFrees(t *testing.T) {
	a := NewFromMemoryMap(allRAM(2))

	f, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	a.Incref(f)
	if a.Refcount(f) != 2 {
		t.Fatalf("refcount = %d, want 2", a.Refcount(f))
	}

	a.Decref(f)
	if a.OnFreeList(f) {
		t.Fatalf("frame freed too early")
	}

	a.Decref(f)
	if !a.OnFreeList(f) {
		t.Fatalf("frame should be free after refcount reaches 0")
	}
}

func TestReservedRegionExcluded(t *testing.T) {
	regions := []Region{
		{Start: 0, Size: Size, Type: RegionRAM},
		{Start: Size, Size: Size, Type: 2}, // reserved
	}

	a := NewFromMemoryMap(regions)

	if len(a.freeList) != 1 {
		t.Fatalf("want 1 free frame, got %d", len(a.freeList))
	}
}
