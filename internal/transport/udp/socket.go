package udp

import (
	"net"
	"sync"
	"time"
)

// Socket is the subset of *net.UDPConn the listener needs.
type Socket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// SocketFactory opens listening sockets.
type SocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (Socket, error)
}

// RealSocketFactory opens real sockets with net.ListenUDP.
type RealSocketFactory struct{}

func (RealSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (Socket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockSocket replays canned datagrams. Once they are exhausted every read
// times out, like an idle link.
type MockSocket struct {
	mu        sync.Mutex
	datagrams [][]byte
	next      int
	closed    bool
	readBuf   int
	deadlines int
}

// NewMockSocket returns a socket that yields datagrams in order.
func NewMockSocket(datagrams ...[]byte) *MockSocket {
	return &MockSocket{datagrams: datagrams}
}

func (m *MockSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.next >= len(m.datagrams) {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	n := copy(b, m.datagrams[m.next])
	m.next++
	m.mu.Unlock()
	return n, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}, nil
}

func (m *MockSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf = bytes
	return nil
}

func (m *MockSocket) SetReadDeadline(time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines++
	return nil
}

func (m *MockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9870}
}

// Closed reports whether Close has been called.
func (m *MockSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockSocketFactory hands out a fixed socket.
type MockSocketFactory struct {
	Socket *MockSocket
	Err    error
}

func (f *MockSocketFactory) ListenUDP(string, *net.UDPAddr) (Socket, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
