// Package netdev emulates the guest-visible network device: a simple
// frame-oriented send/receive contract bridged to a host transport.
package netdev

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

var (
	// ErrWouldBlock is returned by Receive when no frame is pending. The
	// contract is non-blocking so a single-threaded guest network stack can
	// poll without deadlocking its vCPU.
	ErrWouldBlock = errors.New("netdev: no frame available")

	// ErrFrameTooLarge is returned by Receive when the pending frame does
	// not fit the caller's buffer. The frame is dropped.
	ErrFrameTooLarge = errors.New("netdev: frame exceeds buffer")

	// ErrClosed is returned once the device has been shut down.
	ErrClosed = errors.New("netdev: device closed")
)

// rxQueueDepth bounds buffered received frames. When the guest falls
// behind, the oldest frame is dropped.
const rxQueueDepth = 64

// maxFrameSize is the largest frame the receive pump accepts.
const maxFrameSize = 65536

// Transport moves whole ethernet frames between the device and the host.
// Read blocks until a frame arrives; Write never blocks for long.
type Transport interface {
	Read(buf []byte) (int, error)
	Write(frame []byte) (int, error)
	Close() error
}

// Config is the guest-visible addressing for the device.
type Config struct {
	Addr    net.IP
	Mask    net.IP
	Gateway net.IP
}

// Info is the addressing reported to the guest by the NETINFO hypercall.
type Info struct {
	Addr    [4]byte
	Mask    [4]byte
	Gateway [4]byte
	MAC     [6]byte
}

func ipv4(ip net.IP, what string) ([4]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, fmt.Errorf("netdev: %s %v is not an IPv4 address", what, ip)
	}
	var out [4]byte
	copy(out[:], v4)
	return out, nil
}

// Device bridges guest NETWRITE/NETREAD traffic to a Transport. Received
// frames are buffered in a bounded queue so that Receive never blocks.
type Device struct {
	info Info
	tr   Transport

	mu     sync.Mutex
	queue  [][]byte
	notify func()
	closed bool

	done chan struct{}
}

// New builds a Device over tr and starts its receive pump. The MAC is a
// stable locally-administered address derived from the IPv4 address.
func New(cfg Config, tr Transport) (*Device, error) {
	var (
		info Info
		err  error
	)
	if info.Addr, err = ipv4(cfg.Addr, "address"); err != nil {
		return nil, err
	}
	if info.Mask, err = ipv4(cfg.Mask, "netmask"); err != nil {
		return nil, err
	}
	if info.Gateway, err = ipv4(cfg.Gateway, "gateway"); err != nil {
		return nil, err
	}

	info.MAC = [6]byte{0x02, 0x56, info.Addr[0], info.Addr[1], info.Addr[2], info.Addr[3]}

	d := &Device{
		info: info,
		tr:   tr,
		done: make(chan struct{}),
	}

	go d.receivePump()

	return d, nil
}

func (d *Device) Info() Info { return d.info }

// SetNotify registers a callback invoked whenever a frame becomes
// available. It is used to wake halted vCPUs.
func (d *Device) SetNotify(fn func()) {
	d.mu.Lock()
	d.notify = fn
	d.mu.Unlock()
}

// Send transmits one frame to the host transport unmodified.
func (d *Device) Send(frame []byte) (int, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	return d.tr.Write(frame)
}

// Receive copies the next buffered frame into buf and returns its length.
// It returns ErrWouldBlock when no frame is pending and never blocks.
func (d *Device) Receive(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if len(d.queue) == 0 {
		return 0, ErrWouldBlock
	}

	frame := d.queue[0]
	d.queue = d.queue[1:]

	if len(frame) > len(buf) {
		return 0, fmt.Errorf("%w: frame %d bytes, buffer %d", ErrFrameTooLarge, len(frame), len(buf))
	}

	return copy(buf, frame), nil
}

func (d *Device) receivePump() {
	buf := make([]byte, maxFrameSize)
	for {
		n, err := d.tr.Read(buf)
		if err != nil {
			select {
			case <-d.done:
			default:
				slog.Debug("netdev: receive pump stopped", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		if len(d.queue) >= rxQueueDepth {
			d.queue = d.queue[1:]
		}
		d.queue = append(d.queue, frame)
		notify := d.notify
		d.mu.Unlock()

		if notify != nil {
			notify()
		}
	}
}

// Close shuts down the device and its transport.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.queue = nil
	d.mu.Unlock()

	close(d.done)
	return d.tr.Close()
}
