// Package vdev implements MODULE J: the protocol by which the VMM
// delegates guest I/O port accesses, IRQ assertion, and guest-memory
// peek/poke to user-mode device-emulator processes over a (G)
// channel. Port/IRQ ownership tables and the routing model are
// grounded in the teacher's devices.IOBus, generalized from an
// in-process method call into a message sent over an ipc.Channel to a
// goroutine standing in for a user-mode device process; the virtual
// PIC is kept as the VM's built-in interrupt controller the way the
// teacher's devices.PICDevice works, per spec.md's "VM owns a virtual
// PIC or delegates to a user-mode PIC owner".
package vdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/coreforge/mpkernel/ipc"
)

// Wire magic values, exactly as spec.md's external-interface table
// (offset/field/meaning), little-endian on the wire.
const (
	MagicDeviceReady uint32 = 0xABCD0001
	MagicDeviceSync  uint32 = 0xABCD0002
	MagicReadIOPort  uint32 = 0xABCD0003
	MagicWriteIOPort uint32 = 0xABCD0004
	MagicIOPortData  uint32 = 0xABCD0005
)

const (
	WidthSZ8 uint8 = iota
	WidthSZ16
	WidthSZ32
)

// wireLen is the encoded message size: magic(4) + port(2) + width(1) +
// pad(1) + val(4).
const wireLen = 12

// Message is one vdev protocol frame.
type Message struct {
	Magic uint32
	Port  uint16
	Width uint8
	Val   uint32
}

func (m Message) Encode() []byte {
	buf := make([]byte, wireLen)
	binary.LittleEndian.PutUint32(buf[0:4], m.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], m.Port)
	buf[6] = m.Width
	binary.LittleEndian.PutUint32(buf[8:12], m.Val)
	return buf
}

func Decode(buf []byte) (Message, error) {
	if len(buf) < wireLen {
		return Message{}, fmt.Errorf("vdev: short message (%d bytes)", len(buf))
	}

	return Message{
		Magic: binary.LittleEndian.Uint32(buf[0:4]),
		Port:  binary.LittleEndian.Uint16(buf[4:6]),
		Width: buf[6],
		Val:   binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

var (
	ErrAlreadyOwned = errors.New("vdev: resource already owned")
	ErrNotOwned     = errors.New("vdev: resource has no owner")
)

// UnownedRead is returned to the guest register file for an access to
// a port with no owner, per spec.md §4.J: "unowned ports read
// 0xFFFFFFFF on read and drop writes".
const UnownedRead uint32 = 0xFFFFFFFF

// binding is one attached device process: its channel to the kernel
// side and whether it has reported DEVICE_READY yet.
type binding struct {
	ch    *ipc.Channel
	me    ipc.Endpoint
	ready bool
}

// Bus owns the per-port, per-IRQ, and PIC ownership tables and
// dispatches VM-exits to the bound device processes.
type Bus struct {
	mu     sync.Mutex
	ioport [65536]*binding
	irq    [256]*binding
	pic    *binding
	vpic   *VPIC
}

func NewBus() *Bus {
	return &Bus{vpic: NewVPIC()}
}

// VPIC returns the VM's built-in virtual PIC, used when no user-mode
// process has attached as the PIC owner.
func (b *Bus) VPIC() *VPIC { return b.vpic }

// AttachIOPort binds ch as the owner of port, failing if another
// device already owns it. It takes no access width: each wire message
// carries its own.
func (b *Bus) AttachIOPort(port uint16, ch *ipc.Channel, me ipc.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ioport[port] != nil {
		return ErrAlreadyOwned
	}

	b.ioport[port] = &binding{ch: ch, me: me}
	return nil
}

// AttachIRQ binds ch as the owner of irq.
func (b *Bus) AttachIRQ(irq uint8, ch *ipc.Channel, me ipc.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.irq[irq] != nil {
		return ErrAlreadyOwned
	}

	b.irq[irq] = &binding{ch: ch, me: me}
	return nil
}

// AttachPIC binds ch as the sole owner of the virtual interrupt
// controller, taking IRQ assertion out of the VM's own VPIC.
func (b *Bus) AttachPIC(ch *ipc.Channel, me ipc.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pic != nil {
		return ErrAlreadyOwned
	}

	b.pic = &binding{ch: ch, me: me}
	return nil
}

// allBindings collects one attached binding per channel for the ready
// barrier, so a device attached to several ports is counted once.
func (b *Bus) allBindings() []*binding {
	b.mu.Lock()
	defer b.mu.Unlock()

	var all []*binding
	seen := map[*ipc.Channel]bool{}

	add := func(bd *binding) {
		if bd != nil && !seen[bd.ch] {
			seen[bd.ch] = true
			all = append(all, bd)
		}
	}

	for _, bd := range b.ioport {
		add(bd)
	}

	for _, bd := range b.irq {
		add(bd)
	}

	add(b.pic)

	return all
}

// WaitAllReady blocks (via w) until every attached device has sent
// DEVICE_READY once on its channel, per spec.md §4.J step 4's barrier.
// kernelEP is the kernel side's own endpoint on each device's channel.
func (b *Bus) WaitAllReady(w ipc.Waiter, kernelEP ipc.Endpoint) error {
	for _, bd := range b.allBindings() {
		if bd.ready {
			continue
		}

		buf := make([]byte, wireLen)
		n, err := bd.ch.Recv(kernelEP, w, buf, false)
		if err != nil {
			return err
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			return err
		}

		if msg.Magic != MagicDeviceReady {
			return fmt.Errorf("vdev: expected DEVICE_READY, got magic %#x", msg.Magic)
		}

		bd.ready = true
	}

	return nil
}

// HandleIOPort services one guest I/O port access for the given port,
// matching spec.md scenario S4: for a read (out==false) it sends
// READ_IOPORT and blocks for exactly one IOPORT_DATA reply; for a
// write it sends WRITE_IOPORT with val and does not wait for a reply.
func (b *Bus) HandleIOPort(w ipc.Waiter, kernelEP ipc.Endpoint, port uint16, width uint8, out bool, val uint32) (uint32, error) {
	b.mu.Lock()
	bd := b.ioport[port]
	b.mu.Unlock()

	if bd == nil {
		return UnownedRead, nil
	}

	if out {
		msg := Message{Magic: MagicWriteIOPort, Port: port, Width: width, Val: val}
		return 0, bd.ch.Send(kernelEP, w, msg.Encode(), false)
	}

	req := Message{Magic: MagicReadIOPort, Port: port, Width: width}
	if err := bd.ch.Send(kernelEP, w, req.Encode(), false); err != nil {
		return 0, err
	}

	buf := make([]byte, wireLen)
	n, err := bd.ch.Recv(kernelEP, w, buf, false)
	if err != nil {
		return 0, err
	}

	reply, err := Decode(buf[:n])
	if err != nil {
		return 0, err
	}

	if reply.Magic != MagicIOPortData {
		return 0, fmt.Errorf("vdev: expected IOPORT_DATA, got magic %#x", reply.Magic)
	}

	return reply.Val, nil
}

// Sync sends DEVICE_SYNC to every attached device and waits for each
// to reply before returning, so a device can refresh its state
// against its host counterpart before the VM is resumed.
func (b *Bus) Sync(w ipc.Waiter, kernelEP ipc.Endpoint) error {
	msg := Message{Magic: MagicDeviceSync}

	for _, bd := range b.allBindings() {
		if err := bd.ch.Send(kernelEP, w, msg.Encode(), false); err != nil {
			return err
		}

		buf := make([]byte, wireLen)
		if _, err := bd.ch.Recv(kernelEP, w, buf, false); err != nil {
			return err
		}
	}

	return nil
}

// AssertIRQ marks irq pending, per spec.md scenario S5: if a user-mode
// process owns the PIC it is notified; otherwise the VM's own VPIC
// records the line directly.
func (b *Bus) AssertIRQ(w ipc.Waiter, kernelEP ipc.Endpoint, irq uint8) error {
	b.mu.Lock()
	owner := b.pic
	b.mu.Unlock()

	if owner == nil {
		b.vpic.Assert(irq)
		return nil
	}

	msg := Message{Magic: MagicWriteIOPort, Port: uint16(irq), Width: WidthSZ8, Val: 1}
	return owner.ch.Send(kernelEP, w, msg.Encode(), false)
}
