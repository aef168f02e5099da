package netdev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Addr:    net.IPv4(10, 0, 2, 15),
		Mask:    net.IPv4(255, 255, 255, 0),
		Gateway: net.IPv4(10, 0, 2, 2),
	}
}

func TestDeviceInfo(t *testing.T) {
	d, err := New(testConfig(), NewLoopback())
	require.NoError(t, err)
	defer d.Close()

	info := d.Info()
	require.Equal(t, [4]byte{10, 0, 2, 15}, info.Addr)
	require.Equal(t, [4]byte{255, 255, 255, 0}, info.Mask)
	require.Equal(t, [4]byte{10, 0, 2, 2}, info.Gateway)
	require.Equal(t, [6]byte{0x02, 0x56, 10, 0, 2, 15}, info.MAC)
}

func TestDeviceRejectsNonIPv4(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = net.ParseIP("fd00::1")
	_, err := New(cfg, NewLoopback())
	require.Error(t, err)
}

// waitReceive polls Receive until a frame arrives or the deadline passes.
func waitReceive(t *testing.T, d *Device, buf []byte) int {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := d.Receive(buf)
		if err == nil {
			return n
		}
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("receive: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("no frame within deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoopbackRoundTrip(t *testing.T) {
	d, err := New(testConfig(), NewLoopback())
	require.NoError(t, err)
	defer d.Close()

	notified := make(chan struct{}, 1)
	d.SetNotify(func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	frame := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}
	n, err := d.Send(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("notify callback never fired")
	}

	buf := make([]byte, 1500)
	n = waitReceive(t, d, buf)
	require.True(t, bytes.Equal(frame, buf[:n]))
}

func TestReceiveWouldBlock(t *testing.T) {
	d, err := New(testConfig(), NewLoopback())
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Receive(make([]byte, 1500))
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestReceiveFrameTooLarge(t *testing.T) {
	d, err := New(testConfig(), NewLoopback())
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Send(make([]byte, 128))
	require.NoError(t, err)

	buf := make([]byte, 1500)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err = d.Receive(buf[:16])
		if !errors.Is(err, ErrWouldBlock) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame within deadline")
		}
		time.Sleep(time.Millisecond)
	}
	require.ErrorIs(t, err, ErrFrameTooLarge)

	// The oversized frame is dropped, not requeued.
	_, err = d.Receive(buf)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestSendAfterClose(t *testing.T) {
	d, err := New(testConfig(), NewLoopback())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = d.Send([]byte{0x00})
	require.ErrorIs(t, err, ErrClosed)
	_, err = d.Receive(make([]byte, 64))
	require.ErrorIs(t, err, ErrClosed)
}

func buildARPRequest(srcMAC [6]byte, srcIP, targetIP [4]byte) []byte {
	frame := make([]byte, 42)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], 0x0806)

	p := frame[14:]
	binary.BigEndian.PutUint16(p[0:2], 1)      // htype: ethernet
	binary.BigEndian.PutUint16(p[2:4], 0x0800) // ptype: IPv4
	p[4] = 6
	p[5] = 4
	binary.BigEndian.PutUint16(p[6:8], 1) // ARP request
	copy(p[8:14], srcMAC[:])
	copy(p[14:18], srcIP[:])
	copy(p[24:28], targetIP[:])
	return frame
}

// TestUserNetARP drives the gVisor-backed transport end to end: the
// guest ARPs for the gateway and the stack answers.
func TestUserNetARP(t *testing.T) {
	un, err := NewUserNet(testConfig())
	require.NoError(t, err)

	d, err := New(testConfig(), un)
	require.NoError(t, err)
	defer d.Close()

	info := d.Info()
	req := buildARPRequest(info.MAC, info.Addr, info.Gateway)
	_, err = d.Send(req)
	require.NoError(t, err)

	buf := make([]byte, 1514)
	n := waitReceive(t, d, buf)
	require.GreaterOrEqual(t, n, 42)

	reply := buf[:n]
	require.Equal(t, uint16(0x0806), binary.BigEndian.Uint16(reply[12:14]))
	p := reply[14:]
	require.Equal(t, uint16(2), binary.BigEndian.Uint16(p[6:8])) // ARP reply
	require.Equal(t, info.Gateway[:], p[14:18])                  // sender is the gateway
	require.Equal(t, info.MAC[:], p[18:24])                      // addressed to the guest
}
