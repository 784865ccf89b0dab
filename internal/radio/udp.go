package radio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// udpHeaderSize is the src‖dst address prefix on every datagram.
const udpHeaderSize = 12

// UDPTransport carries frames as UDP datagrams on a LAN. Each datagram is
// src MAC ‖ dst MAC ‖ frame. Unicast frames go straight to the peer's last
// known address and fall back to broadcast until one is learned.
type UDPTransport struct {
	conn   *net.UDPConn
	bcast  *net.UDPAddr
	mac    MAC
	logger *zap.Logger

	mu     sync.Mutex
	peers  map[MAC]*net.UDPAddr
	closed bool
}

// ListenUDP binds listen (for example ":4210") and broadcasts to bcast (for
// example "255.255.255.255:4210").
func ListenUDP(listen, bcast string, mac MAC, logger *zap.Logger) (*UDPTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	laddr, err := net.ResolveUDPAddr("udp4", listen)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", listen, err)
	}
	baddr, err := net.ResolveUDPAddr("udp4", bcast)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", bcast, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listen, err)
	}
	return &UDPTransport{
		conn:   conn,
		bcast:  baddr,
		mac:    mac,
		logger: logger.Named("radio"),
		peers:  make(map[MAC]*net.UDPAddr),
	}, nil
}

// LocalMAC implements Transport.
func (t *UDPTransport) LocalMAC() MAC { return t.mac }

// Addr returns the bound local address.
func (t *UDPTransport) Addr() net.Addr { return t.conn.LocalAddr() }

func (t *UDPTransport) datagram(dst MAC, frame []byte) ([]byte, error) {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		return nil, ErrFrameSize
	}
	d := make([]byte, 0, udpHeaderSize+len(frame))
	d = append(d, t.mac[:]...)
	d = append(d, dst[:]...)
	return append(d, frame...), nil
}

// Send implements Transport.
func (t *UDPTransport) Send(dst MAC, frame []byte) error {
	d, err := t.datagram(dst, frame)
	if err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	to, ok := t.peers[dst]
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		to = t.bcast
	}
	_, err = t.conn.WriteToUDP(d, to)
	return err
}

// Broadcast implements Transport.
func (t *UDPTransport) Broadcast(frame []byte) error {
	d, err := t.datagram(Broadcast, frame)
	if err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err = t.conn.WriteToUDP(d, t.bcast)
	return err
}

// Run receives datagrams into slot until ctx is done or the transport is
// closed. Datagrams from this device and datagrams addressed to another
// device are ignored.
func (t *UDPTransport) Run(ctx context.Context, slot *Slot) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	buf := make([]byte, udpHeaderSize+MaxFrameSize+1)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("radio receive: %w", err)
		}
		if n <= udpHeaderSize {
			continue
		}
		var src, dst MAC
		copy(src[:], buf[:6])
		copy(dst[:], buf[6:12])
		if src == t.mac || (dst != t.mac && !dst.IsBroadcast()) {
			continue
		}
		t.mu.Lock()
		t.peers[src] = from
		t.mu.Unlock()
		if !slot.Deliver(src, buf[udpHeaderSize:n], 0) {
			t.logger.Debug("frame dropped", zap.Stringer("src", src), zap.Int("len", n-udpHeaderSize))
		}
	}
}

// Close releases the socket. It is safe to call more than once.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
