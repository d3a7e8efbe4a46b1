package vdev

import "sync"

// VPIC is the VM's built-in virtual interrupt controller, kept in
// adapted form from the teacher's devices.PICDevice: it tracks which
// of the 16 legacy IRQ lines are pending and maps them to interrupt
// vectors at the conventional 0x20 offset, matching spec.md scenario
// S5 ("PIC INTOUT=0x20+4 -> vector 0x24").
type VPIC struct {
	mu      sync.Mutex
	pending [16]bool
}

func NewVPIC() *VPIC { return &VPIC{} }

// VectorBase is the conventional remapped-PIC vector offset: IRQ n is
// delivered as vector VectorBase+n.
const VectorBase = 0x20

// Assert marks irq (0-15) pending.
func (p *VPIC) Assert(irq uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(irq) < len(p.pending) {
		p.pending[irq] = true
	}
}

// Pending returns the lowest-numbered pending IRQ's interrupt vector
// without clearing it; the caller acknowledges with Ack once the
// vector has actually been injected (InjectEvent may refuse if the
// guest is shadowed, in which case the line must stay pending).
func (p *VPIC) Pending() (vector uint8, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for irq, set := range p.pending {
		if set {
			return VectorBase + uint8(irq), true
		}
	}

	return 0, false
}

// Ack clears irq after its vector has been successfully injected.
func (p *VPIC) Ack(irq uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(irq) < len(p.pending) {
		p.pending[irq] = false
	}
}
