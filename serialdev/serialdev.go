// Package serialdev is the one demonstration device CORE ships: a
// 16550A-compatible UART at the COM1 port range, driven entirely
// through the vdev wire protocol instead of an in-process method call.
// Register layout and behavior are adapted from the teacher's
// devices.SerialPortDevice, generalized from a direct HandleIO call
// dispatched by devices.IOBus into a goroutine that receives
// READ_IOPORT/WRITE_IOPORT messages over an ipc.Channel and answers
// with IOPORT_DATA, the way a user-mode device process would under
// spec.md's vdev protocol.
package serialdev

import (
	"fmt"
	"io"
	"sync"

	"github.com/coreforge/mpkernel/ipc"
	"github.com/coreforge/mpkernel/vdev"
)

// COM1 register offsets from its port base, matching the teacher's
// pic_constants.go layout.
const (
	PortBase uint16 = 0x3F8
	PortEnd  uint16 = 0x3FF

	offRHRTHRDLL uint16 = 0
	offIERDLH    uint16 = 1
	offIIRFCR    uint16 = 2
	offLCR       uint16 = 3
	offMCR       uint16 = 4
	offLSR       uint16 = 5
	offMSR       uint16 = 6
	offSCR       uint16 = 7
)

const (
	lcrDLAB byte = 0x80

	lsrDR   byte = 0x01
	lsrTHRE byte = 0x20
	lsrTEMT byte = 0x40

	iirNoIntPending byte = 0x01
)

// IRQ is the line this device asserts when it wants attention, COM1's
// conventional IRQ4.
const IRQ uint8 = 4

// UART holds the 16550A's register state and writes transmitted bytes
// to out (typically the host's own stdout, standing in for a physical
// wire).
type UART struct {
	mu  sync.Mutex
	out io.Writer

	thrDLL byte
	ierDLH byte
	iirFCR byte
	lcr    byte
	mcr    byte
	lsr    byte
	scr    byte

	dlabActive bool
}

func New(out io.Writer) *UART {
	return &UART{out: out, lsr: lsrTHRE | lsrTEMT, iirFCR: iirNoIntPending}
}

// handle services one port access against the emulated register file,
// the direct descendant of the teacher's SerialPortDevice.HandleIO.
func (u *UART) handle(port uint16, out bool, val uint32) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if port < PortBase || port > PortEnd {
		return 0, fmt.Errorf("serialdev: port %#x outside COM1 range", port)
	}

	off := port - PortBase
	b := byte(val)

	if out {
		switch off {
		case offRHRTHRDLL:
			if u.dlabActive {
				u.thrDLL = b
			} else if _, err := u.out.Write([]byte{b}); err != nil {
				return 0, fmt.Errorf("serialdev: write: %w", err)
			} else {
				u.lsr |= lsrTHRE | lsrTEMT
			}
		case offIERDLH:
			u.ierDLH = b
		case offIIRFCR:
			u.iirFCR = b
		case offLCR:
			u.lcr = b
			u.dlabActive = b&lcrDLAB != 0
		case offMCR:
			u.mcr = b
		case offSCR:
			u.scr = b
		default:
			return 0, fmt.Errorf("serialdev: unhandled write to offset %#x", off)
		}

		return 0, nil
	}

	var read byte

	switch off {
	case offRHRTHRDLL:
		if u.dlabActive {
			read = u.thrDLL
		} else {
			u.lsr &^= lsrDR
		}
	case offIERDLH:
		read = u.ierDLH
	case offIIRFCR:
		read = u.iirFCR
		u.iirFCR = iirNoIntPending
	case offLCR:
		read = u.lcr
	case offMCR:
		read = u.mcr
	case offLSR:
		read = u.lsr
	case offMSR:
		read = 0
	case offSCR:
		read = u.scr
	default:
		return 0, fmt.Errorf("serialdev: unhandled read from offset %#x", off)
	}

	return uint32(read), nil
}

// Run drives the vdev protocol loop for one attached UART: it sends
// DEVICE_READY once, then services READ_IOPORT/WRITE_IOPORT/
// DEVICE_SYNC messages from ch until recv reports the kernel side is
// gone. me is this device's own endpoint on ch.
func (u *UART) Run(ch *ipc.Channel, me ipc.Endpoint, w ipc.Waiter) error {
	ready := vdev.Message{Magic: vdev.MagicDeviceReady}
	if err := ch.Send(me, w, ready.Encode(), false); err != nil {
		return fmt.Errorf("serialdev: send DEVICE_READY: %w", err)
	}

	buf := make([]byte, 32)

	for {
		n, err := ch.Recv(me, w, buf, false)
		if err != nil {
			return err
		}

		msg, err := vdev.Decode(buf[:n])
		if err != nil {
			return err
		}

		switch msg.Magic {
		case vdev.MagicDeviceSync:
			reply := vdev.Message{Magic: vdev.MagicDeviceSync}
			if err := ch.Send(me, w, reply.Encode(), false); err != nil {
				return err
			}

		case vdev.MagicWriteIOPort:
			if _, err := u.handle(msg.Port, true, msg.Val); err != nil {
				return err
			}

		case vdev.MagicReadIOPort:
			val, err := u.handle(msg.Port, false, 0)
			if err != nil {
				return err
			}

			reply := vdev.Message{Magic: vdev.MagicIOPortData, Port: msg.Port, Width: msg.Width, Val: val}
			if err := ch.Send(me, w, reply.Encode(), false); err != nil {
				return err
			}

		default:
			return fmt.Errorf("serialdev: unexpected message magic %#x", msg.Magic)
		}
	}
}
