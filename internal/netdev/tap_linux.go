package netdev

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// TAP is a Transport backed by a host TAP interface. Frames pass through
// to the host network stack, so the interface must already be configured
// and up.
type TAP struct {
	fd   int
	name string
}

// OpenTAP attaches to the named TAP interface via /dev/net/tun.
func OpenTAP(name string) (*TAP, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("netdev: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netdev: interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netdev: attach to %q: %w", name, err)
	}

	return &TAP{fd: fd, name: ifr.Name()}, nil
}

func (t *TAP) Name() string { return t.name }

func (t *TAP) Read(buf []byte) (int, error) {
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("netdev: read %s: %w", t.name, err)
	}
	return n, nil
}

func (t *TAP) Write(frame []byte) (int, error) {
	n, err := unix.Write(t.fd, frame)
	if err != nil {
		return 0, fmt.Errorf("netdev: write %s: %w", t.name, err)
	}
	return n, nil
}

func (t *TAP) Close() error {
	return unix.Close(t.fd)
}
