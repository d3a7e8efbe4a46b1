// Package vmm is MODULE H: VM/VCPU orchestration over /dev/kvm. Shape
// is adapted from the teacher's VirtualMachine/VCPU pair
// (virtual_machine.go, vcpu.go) — the same open/create/mmap/run
// sequence, generalized so the device model is an injected IOHandler
// instead of the teacher's fixed PIC/PIT/serial/RTC/keyboard/NE2000
// set, and event injection is gated on the guest's own interrupt flag
// rather than fired unconditionally.
package vmm

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/coreforge/mpkernel/kvmif"
	"github.com/coreforge/mpkernel/npt"
)

// IOHandler is implemented by package vdev: it owns the port/IRQ
// ownership tables and decides how a KVM_EXIT_IO is serviced.
type IOHandler interface {
	HandleIOPort(vcpuID int, port uint16, data []byte, out bool, count uint32) error
}

// VM is one guest: its KVM handles, its flat guest-physical RAM
// region, and the VCPUs running it.
type VM struct {
	dev   *kvmif.Device
	vmFd  uintptr
	mem   []byte
	npt   *npt.Table
	vcpus []*VCPU
	io    IOHandler
}

// New opens /dev/kvm, creates a VM, maps memSize bytes of anonymous
// host memory as guest RAM slot 0, and brings up nCPUs VCPUs in KVM's
// x86 reset state (CS:IP F000:FFF0); the caller sets each VCPU's
// initial registers before its first Step.
func New(memSize uint64, nCPUs int, io IOHandler) (*VM, error) {
	dev, err := kvmif.Open()
	if err != nil {
		return nil, err
	}

	vmFd, err := dev.CreateVM()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("vmm: CreateVM: %w", err)
	}

	mem, err := syscall.Mmap(-1, 0, int(memSize),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS|syscall.MAP_NORESERVE)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("vmm: mmap guest memory: %w", err)
	}

	npTable := npt.New(vmFd)
	if err := npTable.SetMmap(0, uintptr(unsafe.Pointer(&mem[0])), memSize); err != nil {
		syscall.Munmap(mem)
		dev.Close()
		return nil, err
	}

	if err := kvmif.SetTSSAddr(vmFd); err != nil {
		return nil, fmt.Errorf("vmm: SetTSSAddr: %w", err)
	}

	if err := kvmif.SetIdentityMapAddr(vmFd); err != nil {
		return nil, fmt.Errorf("vmm: SetIdentityMapAddr: %w", err)
	}

	if err := kvmif.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("vmm: CreateIRQChip: %w", err)
	}

	vm := &VM{dev: dev, vmFd: vmFd, mem: mem, npt: npTable, io: io}

	for i := 0; i < nCPUs; i++ {
		vc, err := newVCPU(vm, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("vmm: create vcpu %d: %w", i, err)
		}

		vm.vcpus = append(vm.vcpus, vc)
	}

	return vm, nil
}

// Memory exposes the flat guest-physical RAM for boot-time image
// loading (kernel image, initial page tables, GDT).
func (vm *VM) Memory() []byte { return vm.mem }

func (vm *VM) NPT() *npt.Table { return vm.npt }

func (vm *VM) VCPU(i int) *VCPU { return vm.vcpus[i] }

// NumVCPU reports how many VCPUs this VM was created with, so callers
// can bounds-check an index before calling VCPU.
func (vm *VM) NumVCPU() int { return len(vm.vcpus) }

func (vm *VM) Close() {
	for _, vc := range vm.vcpus {
		vc.close()
	}

	if vm.mem != nil {
		syscall.Munmap(vm.mem)
	}

	vm.dev.Close()
}

// VCPU is one virtual CPU: its fd, the mmap'd kvm_run page, and the
// registers KVM exposes through ioctls rather than the mmap.
type VCPU struct {
	vm      *VM
	id      int
	fd      uintptr
	runMmap []byte
	run     *kvmif.RunData
}

func newVCPU(vm *VM, id int) (*VCPU, error) {
	fd, err := kvmif.CreateVCPU(vm.vmFd)
	if err != nil {
		return nil, err
	}

	size, err := kvmif.GetVCPUMMapSize(vm.dev.Fd())
	if err != nil {
		return nil, err
	}

	runMmap, err := syscall.Mmap(int(fd), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vmm: mmap kvm_run: %w", err)
	}

	return &VCPU{
		vm:      vm,
		id:      id,
		fd:      fd,
		runMmap: runMmap,
		run:     (*kvmif.RunData)(unsafe.Pointer(&runMmap[0])),
	}, nil
}

func (vc *VCPU) close() {
	if vc.runMmap != nil {
		syscall.Munmap(vc.runMmap)
	}

	syscall.Close(int(vc.fd))
}

func (vc *VCPU) SetSregs(s kvmif.Sregs) error { return kvmif.SetSregs(vc.fd, s) }
func (vc *VCPU) GetSregs() (kvmif.Sregs, error) { return kvmif.GetSregs(vc.fd) }
func (vc *VCPU) SetRegs(r kvmif.Regs) error   { return kvmif.SetRegs(vc.fd, r) }
func (vc *VCPU) GetRegs() (kvmif.Regs, error) { return kvmif.GetRegs(vc.fd) }

// InjectEvent delivers vector to the guest, but only when the guest's
// own interrupt flag and KVM's ReadyForInterruptInjection both allow
// it; otherwise it reports ErrShadowed so the caller (the virtual PIC
// in package vdev) knows to hold the request pending instead of
// silently dropping it.
func (vc *VCPU) InjectEvent(vector uint8) error {
	if vc.run.IfFlag == 0 || vc.run.ReadyForInterruptInjection == 0 {
		return ErrShadowed
	}

	return kvmif.Interrupt(vc.fd, uint32(vector))
}

var ErrShadowed = fmt.Errorf("vmm: guest is not interrupt-ready")

// ExitKind is the classified reason Run returned control to the host.
type ExitKind int

const (
	ExitHalted ExitKind = iota
	ExitIOHandled
	ExitShutdown
	ExitFailed
	ExitOther
)

// Step runs the guest until the next VM-exit and services it,
// dispatching KVM_EXIT_IO to the VM's IOHandler the way the teacher's
// vcpu.Run dispatches to VirtualMachine.HandleIO. Unlike the teacher's
// infinite Run loop, Step returns after exactly one exit so the caller
// (package hvm) can interleave scheduling decisions between guest
// time slices.
func (vc *VCPU) Step() (ExitKind, error) {
	if err := kvmif.Run(vc.fd); err != nil {
		if err == syscall.EINTR {
			return ExitOther, nil
		}

		return ExitOther, fmt.Errorf("vmm: KVM_RUN vcpu %d: %w", vc.id, err)
	}

	switch vc.run.ExitReason {
	case kvmif.ExitIO:
		direction, size, port, count, offset := vc.run.IO()
		dataPtr := uintptr(unsafe.Pointer(vc.run)) + uintptr(offset)
		data := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), int(size)*int(count))

		if err := vc.vm.io.HandleIOPort(vc.id, uint16(port), data, direction == kvmif.ExitIOOut, uint32(count)); err != nil {
			return ExitOther, err
		}

		return ExitIOHandled, nil

	case kvmif.ExitHLT:
		return ExitHalted, nil

	case kvmif.ExitShutdown:
		return ExitShutdown, fmt.Errorf("vmm: vcpu %d received KVM_EXIT_SHUTDOWN", vc.id)

	case kvmif.ExitFailEntry:
		return ExitFailed, fmt.Errorf("vmm: vcpu %d KVM_EXIT_FAIL_ENTRY", vc.id)

	default:
		return ExitOther, nil
	}
}
