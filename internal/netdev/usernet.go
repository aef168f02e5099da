package netdev

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	ipv4pkg "gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	usernetNICID    = 1
	usernetChanSize = 4096

	// channel.Endpoint.MTU is the L2 MTU as seen by ethernet.Endpoint,
	// which subtracts the ethernet header to get the L3 MTU.
	usernetMTU = 1500 + header.EthernetMinimumSize

	udpSessionIdle = 30 * time.Second
)

// UserNet is a Transport backed by an in-process gVisor network stack.
// The guest's frames terminate in the stack, which answers ARP for the
// gateway address and proxies TCP and UDP flows out through the host's
// network stack. No host privileges or interfaces are required.
type UserNet struct {
	s      *stack.Stack
	ch     *channel.Endpoint
	ctx    context.Context
	cancel context.CancelFunc
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	v4 := ip.To4()
	if v4 == nil {
		return tcpip.Address{}, fmt.Errorf("netdev: %v is not an IPv4 address", ip)
	}
	var b [4]byte
	copy(b[:], v4)
	return tcpip.AddrFrom4(b), nil
}

// NewUserNet builds the stack. The gateway address from cfg becomes the
// stack's own address, so guest traffic routed at the gateway lands on
// the proxy.
func NewUserNet(cfg Config) (*UserNet, error) {
	gw, err := addrFrom4(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	mask := cfg.Mask.To4()
	if mask == nil {
		return nil, fmt.Errorf("netdev: %v is not an IPv4 netmask", cfg.Mask)
	}
	prefixLen, _ := net.IPMask(mask).Size()

	gwBytes := gw.As4()
	gatewayMAC := net.HardwareAddr{0x02, 0x56, gwBytes[0], gwBytes[1], gwBytes[2], gwBytes[3]}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UserNet{
		ch:     channel.New(usernetChanSize, usernetMTU, tcpip.LinkAddress(string(gatewayMAC))),
		ctx:    ctx,
		cancel: cancel,
	}
	u.s = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4pkg.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	ep := ethernet.New(u.ch)
	if tcpipErr := u.s.CreateNIC(usernetNICID, ep); tcpipErr != nil {
		cancel()
		return nil, fmt.Errorf("netdev: create NIC: %s", tcpipErr)
	}
	if tcpipErr := u.s.AddProtocolAddress(
		usernetNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4pkg.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   gw,
				PrefixLen: prefixLen,
			},
		},
		stack.AddressProperties{},
	); tcpipErr != nil {
		cancel()
		return nil, fmt.Errorf("netdev: add address: %s", tcpipErr)
	}
	u.s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: usernetNICID},
	})

	// Accept flows addressed to anything, not just the gateway: the
	// forwarders terminate them and dial the real destination.
	if tcpipErr := u.s.SetPromiscuousMode(usernetNICID, true); tcpipErr != nil {
		cancel()
		return nil, fmt.Errorf("netdev: set promiscuous: %s", tcpipErr)
	}
	if tcpipErr := u.s.SetSpoofing(usernetNICID, true); tcpipErr != nil {
		cancel()
		return nil, fmt.Errorf("netdev: set spoofing: %s", tcpipErr)
	}

	tcpForwarder := tcp.NewForwarder(u.s, 0, 1024, u.handleTCP)
	u.s.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpForwarder.HandlePacket)

	udpForwarder := udp.NewForwarder(u.s, u.handleUDP)
	u.s.SetTransportProtocolHandler(udp.ProtocolNumber, udpForwarder.HandlePacket)

	return u, nil
}

func (u *UserNet) handleTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	dst := net.JoinHostPort(id.LocalAddress.String(), fmt.Sprint(id.LocalPort))

	var wq waiter.Queue
	ep, tcpipErr := r.CreateEndpoint(&wq)
	if tcpipErr != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)

	guestConn := gonet.NewTCPConn(&wq, ep)

	go func() {
		defer guestConn.Close()

		hostConn, err := net.Dial("tcp", dst)
		if err != nil {
			slog.Debug("usernet: tcp dial failed", "dst", dst, "error", err)
			return
		}
		defer hostConn.Close()

		proxyConns(u.ctx, guestConn, hostConn)
	}()
}

func (u *UserNet) handleUDP(r *udp.ForwarderRequest) bool {
	id := r.ID()
	dst := net.JoinHostPort(id.LocalAddress.String(), fmt.Sprint(id.LocalPort))

	var wq waiter.Queue
	ep, tcpipErr := r.CreateEndpoint(&wq)
	if tcpipErr != nil {
		return true
	}

	guestConn := gonet.NewUDPConn(&wq, ep)

	go func() {
		defer guestConn.Close()

		hostConn, err := net.Dial("udp", dst)
		if err != nil {
			slog.Debug("usernet: udp dial failed", "dst", dst, "error", err)
			return
		}
		defer hostConn.Close()

		go func() {
			buf := make([]byte, maxFrameSize)
			for {
				hostConn.SetReadDeadline(time.Now().Add(udpSessionIdle))
				n, err := hostConn.Read(buf)
				if err != nil {
					guestConn.Close()
					return
				}
				if _, err := guestConn.Write(buf[:n]); err != nil {
					return
				}
			}
		}()

		buf := make([]byte, maxFrameSize)
		for {
			n, _, err := guestConn.ReadFrom(buf)
			if err != nil {
				return
			}
			if _, err := hostConn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	return true
}

func proxyConns(ctx context.Context, a, b net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	copyHalf := func(dst, src net.Conn) {
		defer cancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	go copyHalf(a, b)
	go copyHalf(b, a)

	<-ctx.Done()
}

// Read blocks until the stack emits a frame toward the guest.
func (u *UserNet) Read(buf []byte) (int, error) {
	pkt := u.ch.ReadContext(u.ctx)
	if pkt == nil {
		return 0, ErrClosed
	}
	b := pkt.ToView().AsSlice()
	n := copy(buf, b)
	pkt.DecRef()
	return n, nil
}

// Write injects one guest frame into the stack. The ethernet link
// endpoint parses the L2 header itself, so the protocol argument is
// irrelevant.
func (u *UserNet) Write(frame []byte) (int, error) {
	out := append([]byte(nil), frame...)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(out),
	})
	u.ch.InjectInbound(0, pkt)
	return len(frame), nil
}

func (u *UserNet) Close() error {
	u.cancel()
	u.s.Close()
	return nil
}
