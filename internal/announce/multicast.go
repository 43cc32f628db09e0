package announce

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
)

// DefaultGroup is the multicast group every process joins.
const DefaultGroup = "224.0.0.200:3000"

// MulticastTransport sends frames to a UDP multicast group. Loopback stays
// enabled so processes on the same host hear each other.
type MulticastTransport struct {
	group  *net.UDPAddr
	ifi    *net.Interface
	logger logger.Logger

	mu     sync.Mutex
	send   *net.UDPConn
	recv   []*net.UDPConn
	closed bool
}

// NewMulticast resolves the group and optional interface name.
func NewMulticast(group, iface string, log logger.Logger) (*MulticastTransport, error) {
	if group == "" {
		group = DefaultGroup
	}
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", group, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group)
	}

	var ifi *net.Interface
	if iface != "" {
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("multicast interface %q: %w", iface, err)
		}
	}

	return &MulticastTransport{
		group:  addr,
		ifi:    ifi,
		logger: log,
	}, nil
}

func (m *MulticastTransport) Group() string { return m.group.String() }

func (m *MulticastTransport) sender() (*net.UDPConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.send != nil {
		return m.send, nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("open multicast sender: %w", err)
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastLoopback(true); err != nil {
		m.logger.Warn("could not enable multicast loopback", logger.Error(err))
	}
	if err := p.SetMulticastTTL(1); err != nil {
		m.logger.Warn("could not set multicast ttl", logger.Error(err))
	}
	if m.ifi != nil {
		if err := p.SetMulticastInterface(m.ifi); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	m.send = conn
	return conn, nil
}

// Broadcast writes the length datagram then the payload datagram.
func (m *MulticastTransport) Broadcast(ctx context.Context, payload []byte) error {
	prefix, err := LengthPrefix(payload)
	if err != nil {
		return err
	}
	conn, err := m.sender()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	// both datagrams go out under the lock so concurrent broadcasts do not interleave
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := conn.WriteToUDP(prefix, m.group); err != nil {
		return fmt.Errorf("send length datagram: %w", err)
	}
	if _, err := conn.WriteToUDP(payload, m.group); err != nil {
		return fmt.Errorf("send payload datagram: %w", err)
	}
	return nil
}

// Listen joins the group and reassembles frames per sender address.
func (m *MulticastTransport) Listen(ctx context.Context, handle Handler) error {
	conn, err := net.ListenMulticastUDP("udp4", m.ifi, m.group)
	if err != nil {
		return fmt.Errorf("join multicast group %s: %w", m.group, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.recv = append(m.recv, conn)
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	m.logger.Debug("listening for announcements", logger.String("group", m.group.String()))

	senders := make(map[string]*Reassembler)
	buf := make([]byte, MaxPayload+1)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("multicast read failed", logger.Error(err))
			continue
		}

		key := src.String()
		r, ok := senders[key]
		if !ok {
			r = &Reassembler{}
			senders[key] = r
		}
		payload, err := r.Feed(buf[:n])
		if err != nil {
			m.logger.Warn("dropping announcement",
				logger.String("from", key),
				logger.Error(err))
			continue
		}
		if payload != nil {
			handle(payload)
		}
	}
}

func (m *MulticastTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if m.send != nil {
		errs = append(errs, m.send.Close())
	}
	for _, c := range m.recv {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
