//go:build !linux

package netdev

import "fmt"

// TAP networking needs /dev/net/tun, which only exists on Linux.
type TAP struct{}

func OpenTAP(name string) (*TAP, error) {
	return nil, fmt.Errorf("netdev: TAP networking is not supported on this platform")
}

func (t *TAP) Name() string                    { return "" }
func (t *TAP) Read(buf []byte) (int, error)    { return 0, ErrClosed }
func (t *TAP) Write(frame []byte) (int, error) { return 0, ErrClosed }
func (t *TAP) Close() error                    { return nil }
