package periphery

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Socket is the subset of *net.UDPConn used by the client and the
// simulated server, so tests can script replies without a network.
type Socket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// Listen opens a UDP socket on addr with broadcast and address reuse
// enabled.
func Listen(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// isTimeout reports whether err is a read deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// MockPacket is one datagram seen or produced by MockSocket.
type MockPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockSocket is an in-memory Socket. Every write is recorded in Sent and
// passed to Respond, whose returned packets become readable in order.
// Reads with nothing queued fail with a timeout error.
type MockSocket struct {
	mu       sync.Mutex
	Respond  func(req []byte, to *net.UDPAddr) []MockPacket
	Sent     []MockPacket
	queue    []MockPacket
	deadline time.Time
	closed   bool
	Local    *net.UDPAddr
}

// NewMockSocket creates a mock bound to 127.0.0.1:40000.
func NewMockSocket(respond func(req []byte, to *net.UDPAddr) []MockPacket) *MockSocket {
	return &MockSocket{
		Respond: respond,
		Local:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
	}
}

// Inject queues a datagram as if it had arrived unsolicited.
func (m *MockSocket) Inject(data []byte, from *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, MockPacket{Data: append([]byte(nil), data...), Addr: from})
}

// SentPackets returns a copy of everything written so far.
func (m *MockSocket) SentPackets() []MockPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockPacket(nil), m.Sent...)
}

func (m *MockSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if len(m.queue) == 0 {
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	pkt := m.queue[0]
	m.queue = m.queue[1:]
	return copy(b, pkt.Data), pkt.Addr, nil
}

func (m *MockSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, net.ErrClosed
	}
	req := append([]byte(nil), b...)
	m.Sent = append(m.Sent, MockPacket{Data: req, Addr: addr})
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		replies := respond(req, addr)
		m.mu.Lock()
		m.queue = append(m.queue, replies...)
		m.mu.Unlock()
	}
	return len(b), nil
}

func (m *MockSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}

func (m *MockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockSocket) LocalAddr() net.Addr {
	return m.Local
}
