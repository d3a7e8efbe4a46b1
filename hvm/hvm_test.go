package hvm

import (
	"testing"

	"github.com/coreforge/mpkernel/ipc"
	"github.com/coreforge/mpkernel/kvmif"
	"github.com/coreforge/mpkernel/vmm"
)

type fakeWaiter struct{}

func (fakeWaiter) SchedSleep(uintptr) {}
func (fakeWaiter) SchedWake(uintptr)  {}

func requireKVM(t *testing.T) {
	t.Helper()

	dev, err := kvmif.Open()
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}
	dev.Close()
}

func TestPoolReserveRejectsWhenExhausted(t *testing.T) {
	requireKVM(t)

	pool := NewPool(1)
	kernelEP := ipc.Endpoint{Pid: 0}

	id, vm, err := pool.Reserve(1<<20, 1, fakeWaiter{}, kernelEP)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer pool.Release(id)

	if vm == nil {
		t.Fatalf("Reserve returned nil VM")
	}

	if _, _, err := pool.Reserve(1<<20, 1, fakeWaiter{}, kernelEP); err != ErrNoSlot {
		t.Fatalf("second Reserve = %v, want ErrNoSlot", err)
	}
}

func TestGetRejectsUnusedSlot(t *testing.T) {
	pool := NewPool(2)

	if _, err := pool.Get(0); err != ErrNotOwner {
		t.Fatalf("Get on unused slot = %v, want ErrNotOwner", err)
	}

	if _, err := pool.Get(99); err != ErrNotOwner {
		t.Fatalf("Get out of range = %v, want ErrNotOwner", err)
	}
}

func TestReleaseFreesSlotForReuse(t *testing.T) {
	requireKVM(t)

	pool := NewPool(1)
	kernelEP := ipc.Endpoint{Pid: 0}

	id, _, err := pool.Reserve(1<<20, 1, fakeWaiter{}, kernelEP)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := pool.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	id2, vm2, err := pool.Reserve(1<<20, 1, fakeWaiter{}, kernelEP)
	if err != nil {
		t.Fatalf("Reserve after Release: %v", err)
	}
	defer pool.Release(id2)

	if vm2 == nil {
		t.Fatalf("Reserve after Release returned nil VM")
	}
}

func TestRegAndDescRoundTrip(t *testing.T) {
	requireKVM(t)

	pool := NewPool(1)
	kernelEP := ipc.Endpoint{Pid: 0}

	id, vm, err := pool.Reserve(1<<20, 1, fakeWaiter{}, kernelEP)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer pool.Release(id)

	sregs, err := vm.GetDesc(0)
	if err != nil {
		t.Fatalf("GetDesc: %v", err)
	}

	sregs.CR0 |= 1
	if err := vm.SetDesc(0, sregs); err != nil {
		t.Fatalf("SetDesc: %v", err)
	}

	got, err := vm.GetDesc(0)
	if err != nil {
		t.Fatalf("GetDesc after SetDesc: %v", err)
	}

	if got.CR0&1 == 0 {
		t.Fatalf("CR0 protected-mode bit did not stick across SetDesc/GetDesc")
	}

	regs, err := vm.GetReg(0)
	if err != nil {
		t.Fatalf("GetReg: %v", err)
	}

	regs.RAX = 0x1234
	if err := vm.SetReg(0, regs); err != nil {
		t.Fatalf("SetReg: %v", err)
	}

	got2, err := vm.GetReg(0)
	if err != nil {
		t.Fatalf("GetReg after SetReg: %v", err)
	}

	if got2.RAX != 0x1234 {
		t.Fatalf("RAX = %#x, want 0x1234", got2.RAX)
	}
}

func TestBadVcpuIndexIsRejected(t *testing.T) {
	requireKVM(t)

	pool := NewPool(1)
	kernelEP := ipc.Endpoint{Pid: 0}

	id, vm, err := pool.Reserve(1<<20, 1, fakeWaiter{}, kernelEP)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer pool.Release(id)

	if _, err := vm.GetReg(-1); err != ErrBadArg {
		t.Fatalf("GetReg(-1) = %v, want ErrBadArg", err)
	}

	if _, err := vm.GetReg(1); err != ErrBadArg {
		t.Fatalf("GetReg(1) on a 1-vcpu VM = %v, want ErrBadArg", err)
	}

	if _, err := vm.Run(1); err != ErrBadArg {
		t.Fatalf("Run(1) on a 1-vcpu VM = %v, want ErrBadArg", err)
	}
}

func TestRunStepsNormallyWithNoPendingInterrupt(t *testing.T) {
	requireKVM(t)

	pool := NewPool(1)
	kernelEP := ipc.Endpoint{Pid: 0}

	id, vm, err := pool.Reserve(1<<20, 1, fakeWaiter{}, kernelEP)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer pool.Release(id)

	copy(vm.Memory(), []byte{0xF4}) // hlt at the real-mode reset vector

	kind, err := vm.Run(0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if kind != vmm.ExitHalted {
		t.Fatalf("Run kind = %v, want ExitHalted", kind)
	}
}

// TestRunHoldsShadowedInterruptPendingInsteadOfFailing exercises the
// inject-before-entry wiring against a not-yet-run vcpu (interrupts
// shadowed): Run must still step the guest rather than erroring out,
// and the IRQ must remain pending for a later, unshadowed Run to
// deliver.
func TestRunHoldsShadowedInterruptPendingInsteadOfFailing(t *testing.T) {
	requireKVM(t)

	pool := NewPool(1)
	kernelEP := ipc.Endpoint{Pid: 0}

	id, vm, err := pool.Reserve(1<<20, 1, fakeWaiter{}, kernelEP)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer pool.Release(id)

	copy(vm.Memory(), []byte{0xF4})

	vm.Bus().VPIC().Assert(4)

	kind, err := vm.Run(0)
	if err != nil {
		t.Fatalf("Run with a shadowed pending IRQ: %v", err)
	}

	if kind != vmm.ExitHalted {
		t.Fatalf("Run kind = %v, want ExitHalted", kind)
	}

	if _, ok := vm.Bus().VPIC().Pending(); !ok {
		t.Fatalf("a shadowed injection must leave the IRQ pending, not acknowledge it")
	}
}
