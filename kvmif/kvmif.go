// Package kvmif is the thin /dev/kvm ioctl layer MODULE H builds on.
// Naming and wrapper shape are grounded in the teacher's
// hypervisor.DoKVM* functions; the ioctl numbers and kvm_run layout
// themselves are corrected against the verified constants used by
// gokvm's kvm package, since the teacher's own values were
// placeholders.
package kvmif

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// Verified KVM ioctl numbers (x86-64 Linux), not the teacher's
// placeholder KVM_IOCTL_BASE arithmetic.
const (
	ioGetAPIVersion       = 44544
	ioCreateVM            = 44545
	ioCreateVCPU          = 44609
	ioRun                 = 44672
	ioGetVCPUMMapSize     = 44548
	ioGetSregs            = 0x8138ae83
	ioSetSregs            = 0x4138ae84
	ioGetRegs             = 0x8090ae81
	ioSetRegs             = 0x4090ae82
	ioSetUserMemoryRegion = 1075883590
	ioSetTSSAddr          = 0xae47
	ioSetIdentityMapAddr  = 0x4008AE48
	ioCreateIRQChip       = 0xAE60
	ioIRQLine             = 0xc008ae67
	ioInterrupt           = 0x4004ae86
)

// Exit reasons reported in RunData.ExitReason.
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17
)

const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

// Regs mirrors struct kvm_regs (general-purpose registers).
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs mirrors struct kvm_sregs (segment + control registers).
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8, EFER, ApicBase    uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// RunData mirrors the fixed-size prefix of struct kvm_run; the
// variable-length union tail is addressed through the Data array the
// way gokvm's RunData does, since Go has no native tagged-union
// layout for it.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO union fields packed into Data[0]/Data[1].
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region,
// the handle the NPT/EPT equivalent in package npt registers guest
// physical ranges through.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return 0, errno
	}

	return res, nil
}

// Device wraps an open /dev/kvm file descriptor, grounded in the
// teacher's DoKVMCreateVM taking a bare kvmFD int; this package keeps
// the *os.File alive instead so the fd cannot be finalized out from
// under an in-flight ioctl.
type Device struct {
	f *os.File
}

func Open() (*Device, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmif: open /dev/kvm: %w", err)
	}

	return &Device{f: f}, nil
}

func (d *Device) Close() error { return d.f.Close() }

func (d *Device) Fd() uintptr { return d.f.Fd() }

func (d *Device) APIVersion() (int, error) {
	v, err := ioctl(d.f.Fd(), ioGetAPIVersion, 0)
	return int(v), err
}

// CreateVM opens a new VM fd on this KVM device.
func (d *Device) CreateVM() (uintptr, error) {
	return ioctl(d.f.Fd(), ioCreateVM, 0)
}

func CreateVCPU(vmFd uintptr) (uintptr, error) {
	return ioctl(vmFd, ioCreateVCPU, 0)
}

func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, ioRun, 0)
	return err
}

func GetVCPUMMapSize(vmFd uintptr) (uintptr, error) {
	return ioctl(vmFd, ioGetVCPUMMapSize, 0)
}

func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var s Sregs
	_, err := ioctl(vcpuFd, ioGetSregs, uintptr(unsafe.Pointer(&s)))
	return s, err
}

func SetSregs(vcpuFd uintptr, s Sregs) error {
	_, err := ioctl(vcpuFd, ioSetSregs, uintptr(unsafe.Pointer(&s)))
	return err
}

func GetRegs(vcpuFd uintptr) (Regs, error) {
	var r Regs
	_, err := ioctl(vcpuFd, ioGetRegs, uintptr(unsafe.Pointer(&r)))
	return r, err
}

func SetRegs(vcpuFd uintptr, r Regs) error {
	_, err := ioctl(vcpuFd, ioSetRegs, uintptr(unsafe.Pointer(&r)))
	return err
}

func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, ioSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

func SetTSSAddr(vmFd uintptr) error {
	_, err := ioctl(vmFd, ioSetTSSAddr, 0xffffd000)
	return err
}

func SetIdentityMapAddr(vmFd uintptr) error {
	var addr uint64 = 0xffffc000
	_, err := ioctl(vmFd, ioSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	return err
}

func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, ioCreateIRQChip, 0)
	return err
}

// IRQLevel mirrors struct kvm_irq_level, used to raise/lower one of
// the virtual PIC's lines from package vdev.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

func IRQLine(vmFd uintptr, irq, level uint32) error {
	v := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, ioIRQLine, uintptr(unsafe.Pointer(&v)))
	return err
}

// Interrupt injects vector directly into a VCPU without going through
// the virtual PIC, used when event injection bypasses interrupt
// shadowing entirely (deprecated by upstream KVM in favor of
// KVM_SET_REGS's interrupt bitmap, but still the simplest path for a
// single hand-modeled PIC).
func Interrupt(vcpuFd uintptr, irq uint32) error {
	_, err := ioctl(vcpuFd, ioInterrupt, uintptr(unsafe.Pointer(&irq)))
	return err
}
