// Package serial carries simulator traffic over a serial line: JSON sensor
// frames in, short text commands out. A Mux fans received lines out to any
// number of subscribers so the frame decoder and the debug tail can share
// one port.
package serial

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrWriteFailed = errors.New("short write to serial port")

// Mux multiplexes one serial port between line subscribers and writers.
type Mux[T Porter] struct {
	port T

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	writeMu sync.Mutex

	closingMu sync.Mutex
	closing   bool
}

// NewMux wraps port.
func NewMux[T Porter](port T) *Mux[T] {
	return &Mux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// Subscribe returns an ID and a channel of received lines. Lines are
// dropped for subscribers that are not ready to receive.
func (m *Mux[T]) Subscribe(buffer int) (string, <-chan string) {
	id := uuid.NewString()
	ch := make(chan string, buffer)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes the subscriber.
func (m *Mux[T]) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// SendLine writes line to the port, adding the trailing newline.
func (m *Mux[T]) SendLine(line string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	n, err := m.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines until the port is exhausted, Close is called, or ctx
// is done.
func (m *Mux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := make(chan string)
	scanErr := make(chan error, 1)

	// Scan blocks; keep it off the select loop.
	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if m.isClosing() {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if !m.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if m.isClosing() {
				return nil
			}
			m.broadcast(line)
		}
	}
}

func (m *Mux[T]) broadcast(line string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

func (m *Mux[T]) isClosing() bool {
	m.closingMu.Lock()
	defer m.closingMu.Unlock()
	return m.closing
}

// Close closes every subscriber channel and then the port.
func (m *Mux[T]) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.subscriberMu.Unlock()
	return m.port.Close()
}
