// Command kernel is CORE's host-side launcher: it brings up one
// hardware-virtualized machine, loads a flat ELF32 kernel image into
// its guest-physical memory, attaches the one demonstration vdev
// device (a COM1 UART), and runs the guest to completion. Subcommand
// shape ("boot"/"probe") and memory-size parsing are grounded in the
// retrieved gokvm project's flag package.
package main

import (
	"debug/elf"
	"fmt"
	"log"
	"os"

	"github.com/coreforge/mpkernel/addrspace"
	"github.com/coreforge/mpkernel/hvm"
	"github.com/coreforge/mpkernel/ipc"
	"github.com/coreforge/mpkernel/kvmif"
	"github.com/coreforge/mpkernel/page"
	"github.com/coreforge/mpkernel/proc"
	"github.com/coreforge/mpkernel/serialdev"
	"github.com/coreforge/mpkernel/vmm"
)

func main() {
	bootArgs, probeArgs, err := ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	switch {
	case probeArgs != nil:
		err = runProbe(probeArgs)
	case bootArgs != nil:
		err = runBoot(bootArgs)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func runProbe(c *ProbeArgs) error {
	dev, err := kvmif.Open()
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer dev.Close()

	v, err := dev.APIVersion()
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	log.Printf("kvm API version: %d", v)

	return nil
}

type alwaysAlive struct{}

func (alwaysAlive) Alive(ipc.Endpoint) bool { return true }

func runBoot(c *BootArgs) error {
	image, err := os.ReadFile(c.Kernel)
	if err != nil {
		return fmt.Errorf("boot: read kernel: %w", err)
	}

	// A scheduler dedicated to blocking the kernel's and the serial
	// device's own wait/wake handles on the vdev channel, the same
	// ProcWaiter glue a real process would use for any ipc.Channel.
	hm := page.NewHostMemory([]page.Region{{Start: 0, Size: 1 << 25, Type: page.RegionRAM}})
	kernAS, err := addrspace.NewKernel(hm)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	tab := proc.NewTable(hm, kernAS)
	sched := proc.NewSched()

	kernelProc, err := tab.ProcNew()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	devProc, err := tab.ProcNew()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	kernelEP := ipc.Endpoint{Pid: kernelProc.Pid}
	devEP := ipc.Endpoint{Pid: devProc.Pid}
	kernelW := proc.ProcWaiter{Sched: sched, Proc: kernelProc}
	devW := proc.ProcWaiter{Sched: sched, Proc: devProc}

	pool := hvm.NewPool(1)

	id, vm, err := pool.Reserve(uint64(c.MemSize), c.NCPUs, kernelW, kernelEP)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer pool.Release(id)

	entry, err := loadKernelImage(vm, image)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	if err := setProtectedModeEntry(vm, entry); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	ch := ipc.New(kernelEP, devEP, alwaysAlive{})
	for port := serialdev.PortBase; port <= serialdev.PortEnd; port++ {
		if err := vm.InterceptIoport(port, ch, devEP); err != nil {
			return fmt.Errorf("boot: attach serial port %#x: %w", port, err)
		}
	}

	uart := serialdev.New(os.Stdout)

	devErr := make(chan error, 1)
	go func() { devErr <- uart.Run(ch, devEP, devW) }()

	if err := vm.Bus().WaitAllReady(kernelW, kernelEP); err != nil {
		return fmt.Errorf("boot: device ready barrier: %w", err)
	}

	for {
		kind, err := vm.Run(0)
		if err != nil {
			return fmt.Errorf("boot: vcpu 0: %w", err)
		}

		if kind == vmm.ExitHalted {
			log.Printf("vcpu 0 halted")
			return nil
		}
	}
}

// loadKernelImage copies every PT_LOAD segment of an ELF32 image into
// the VM's flat guest-physical memory at its physical address, the
// bare-metal analogue of proc.ProcExec's pgtable.CopyIn loader.
func loadKernelImage(vm *hvm.VM, image []byte) (entry uint32, err error) {
	f, err := elf.NewFile(byteReaderAt(image))
	if err != nil {
		return 0, fmt.Errorf("parse ELF: %w", err)
	}

	mem := vm.Memory()

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return 0, fmt.Errorf("read segment: %w", err)
		}

		if prog.Paddr+prog.Memsz > uint64(len(mem)) {
			return 0, fmt.Errorf("segment at %#x exceeds guest memory", prog.Paddr)
		}

		copy(mem[prog.Paddr:], data)
	}

	return uint32(f.Entry), nil
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("read past end of image")
	}

	return copy(p, b[off:]), nil
}

// setProtectedModeEntry brings vcpu 0 up in flat 32-bit protected
// mode with CR0.PE set and every segment based at 0, limit 4GiB, the
// minimal descriptor state spec.md's boot scenario requires before
// jumping to entry.
func setProtectedModeEntry(vm *hvm.VM, entry uint32) error {
	sregs, err := vm.GetDesc(0)
	if err != nil {
		return err
	}

	flat := kvmif.Segment{Base: 0, Limit: 0xFFFFFFFF, Present: 1, S: 1, DB: 1, G: 1}

	codeSeg := flat
	codeSeg.Selector = 0x08
	codeSeg.Typ = 0xB // execute/read, accessed

	dataSeg := flat
	dataSeg.Selector = 0x10
	dataSeg.Typ = 0x3 // read/write, accessed

	sregs.CS = codeSeg
	sregs.DS = dataSeg
	sregs.ES = dataSeg
	sregs.FS = dataSeg
	sregs.GS = dataSeg
	sregs.SS = dataSeg
	sregs.CR0 |= 1 // PE

	if err := vm.SetDesc(0, sregs); err != nil {
		return err
	}

	regs, err := vm.GetReg(0)
	if err != nil {
		return err
	}

	regs.RIP = uint64(entry)
	regs.RFLAGS = 1 << 1 // reserved bit always set

	return vm.SetReg(0, regs)
}
