// Package udp carries simulator traffic over UDP: one JSON sensor frame per
// inbound datagram and one JSON message per outbound datagram.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/perception"
	"github.com/banshee-data/stagebridge/internal/transport"
)

// maxDatagram fits a 360-sample frame with pose and some margin.
const maxDatagram = 64 * 1024

// FrameHandler receives decoded frames. The bridge's HandleFrame fits.
type FrameHandler func(perception.SensorFrame)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Address       string
	RcvBuf        int
	LogInterval   time.Duration
	Handler       FrameHandler
	SocketFactory SocketFactory
}

// Listener receives sensor frames over UDP.
type Listener struct {
	cfg ListenerConfig

	datagrams atomic.Uint64
	frames    atomic.Uint64
	rejected  atomic.Uint64
}

// NewListener returns a listener; Start runs it.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = RealSocketFactory{}
	}
	return &Listener{cfg: cfg}
}

// Start listens until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve UDP address: %w", err)
	}
	conn, err := l.cfg.SocketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			monitoring.Opsf("udp: failed to set receive buffer to %d: %v", l.cfg.RcvBuf, err)
		}
	}
	monitoring.Opsf("udp: listening for sensor frames on %s", conn.LocalAddr())

	go l.logStats(ctx)

	buf := make([]byte, maxDatagram)
	var deadlineErrLogged bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil && !deadlineErrLogged {
			monitoring.Opsf("udp: failed to set read deadline: %v", err)
			deadlineErrLogged = true
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Opsf("udp: read error: %v", err)
			continue
		}
		l.handleDatagram(buf[:n], from)
	}
}

func (l *Listener) handleDatagram(data []byte, from *net.UDPAddr) {
	l.datagrams.Add(1)
	frame, err := transport.DecodeFrame(data)
	if err != nil {
		l.rejected.Add(1)
		monitoring.Diagf("udp: rejected datagram from %v: %v", from, err)
		return
	}
	l.frames.Add(1)
	if l.cfg.Handler != nil {
		l.cfg.Handler(frame)
	}
}

func (l *Listener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monitoring.Diagf("udp: %d datagrams, %d frames, %d rejected",
				l.datagrams.Load(), l.frames.Load(), l.rejected.Load())
		}
	}
}

// Stats returns the listener's counters.
func (l *Listener) Stats() (datagrams, frames, rejected uint64) {
	return l.datagrams.Load(), l.frames.Load(), l.rejected.Load()
}
