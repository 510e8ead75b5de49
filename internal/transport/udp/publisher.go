package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/stagebridge/internal/command"
	"github.com/banshee-data/stagebridge/internal/episode"
	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/transport"
)

// Publisher sends outbound messages to the simulator asynchronously. A full
// queue drops the message instead of blocking the control loop.
type Publisher struct {
	conn        net.Conn
	queue       chan []byte
	address     string
	logInterval time.Duration
	dropped     atomic.Uint64
	closeOnce   sync.Once
}

// NewPublisher dials address ("host:port") and returns a publisher with a
// queue of queueLen messages.
func NewPublisher(address string, queueLen int, logInterval time.Duration) (*Publisher, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve publish address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial publish address: %w", err)
	}
	return newPublisher(conn, address, queueLen, logInterval), nil
}

func newPublisher(conn net.Conn, address string, queueLen int, logInterval time.Duration) *Publisher {
	if queueLen <= 0 {
		queueLen = 64
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &Publisher{
		conn:        conn,
		queue:       make(chan []byte, queueLen),
		address:     address,
		logInterval: logInterval,
	}
}

// Start runs the send loop until ctx is done.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		failed := 0
		var lastErr error
		ticker := time.NewTicker(p.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-p.queue:
				if _, err := p.conn.Write(msg); err != nil {
					failed++
					lastErr = err
				}
			case <-ticker.C:
				if failed > 0 {
					monitoring.Opsf("udp: %d messages to %s failed (latest: %v)", failed, p.address, lastErr)
					failed = 0
					lastErr = nil
				}
			}
		}
	}()
	monitoring.Opsf("udp: publishing to %s", p.address)
}

func (p *Publisher) send(m transport.Message) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	select {
	case p.queue <- data:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("udp: queue full, dropped %s", m.Type)
	}
}

func (p *Publisher) PublishCommand(c command.Command) error {
	return p.send(transport.CommandMessage(c))
}

func (p *Publisher) PublishGoal(ev episode.GoalEvent) error {
	return p.send(transport.GoalMessage(ev.Goal))
}

func (p *Publisher) PublishReward(ev episode.RewardEvent) error {
	return p.send(transport.RewardMessage(ev.Value))
}

// ResetWorld asks the simulator to reset positions. Delivery is not
// acknowledged over UDP.
func (p *Publisher) ResetWorld(context.Context) error {
	return p.send(transport.ResetMessage())
}

// Dropped returns how many messages were dropped on a full queue.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close closes the connection.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.conn.Close() })
	return err
}
