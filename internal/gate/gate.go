// Package gate reconciles the asynchronous sensor feed with the synchronous
// step contract of the control loop.
//
// The control goroutine issues a command, calls Arm, and then Wait blocks
// until the frame consumer publishes a value for a frame that arrived after
// the Arm. Frames are stamped with Epoch when they arrive, so a frame that
// was already queued (or half processed) when the command went out can never
// satisfy the wait. Only the latest published value is kept.
//
// With no timeout the wait is unbounded. Stall detection makes the blocked
// state visible through State and the OnStateChange hook without giving up
// on the wait.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/timeutil"
)

// ErrSensorStalled is returned by Wait when the timeout elapses without a
// fresh frame.
var ErrSensorStalled = errors.New("sensor feed stalled")

// State describes what the control side of the gate is doing.
type State int

const (
	// Idle: nobody is waiting for a frame.
	Idle State = iota
	// Waiting: a step is blocked on the next frame.
	Waiting
	// Stalled: a step has waited longer than the stall threshold, or the
	// last wait timed out and no frame has arrived since.
	Stalled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Stalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Options tune liveness handling. The zero value waits forever with no
// stall detection.
type Options struct {
	Clock timeutil.Clock
	// Timeout bounds each Wait; zero waits forever.
	Timeout time.Duration
	// StallAfter marks the gate Stalled once a Wait has blocked this long;
	// zero disables stall detection.
	StallAfter time.Duration
	// OnStateChange is called, outside the gate's lock, on every state
	// transition.
	OnStateChange func(State)
}

// Published is a value handed over by the frame consumer.
type Published[T any] struct {
	Value T
	// Epoch is the gate epoch the underlying frame arrived in.
	Epoch uint64
	At    time.Time
}

// Gate is a single-slot rendezvous between one producer and one consumer.
type Gate[T any] struct {
	opts Options

	mu        sync.Mutex
	epoch     uint64
	latest    Published[T]
	hasLatest bool
	notify    chan struct{}
	state     State
	waiters   int
	since     time.Time
}

// New returns an idle gate.
func New[T any](opts Options) *Gate[T] {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Gate[T]{
		opts:   opts,
		notify: make(chan struct{}),
	}
}

// Epoch returns the current epoch. The producer stamps each arriving frame
// with it.
func (g *Gate[T]) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// Arm marks the gate not-ready and returns the token a subsequent Wait
// needs. Call it after the command has been sent.
func (g *Gate[T]) Arm() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epoch++
	return g.epoch
}

// Publish hands over the value produced from a frame that arrived in epoch.
func (g *Gate[T]) Publish(epoch uint64, v T) {
	g.mu.Lock()
	g.latest = Published[T]{Value: v, Epoch: epoch, At: g.opts.Clock.Now()}
	g.hasLatest = true
	close(g.notify)
	g.notify = make(chan struct{})

	// Any frame proves the feed is alive again. A blocked waiter settles
	// its own state when it wakes.
	changed := false
	if g.state == Stalled && g.waiters == 0 {
		changed = g.setStateLocked(Idle)
	}
	g.mu.Unlock()
	g.fire(changed, Idle)
}

// Latest returns the most recent published value, if any.
func (g *Gate[T]) Latest() (Published[T], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest, g.hasLatest
}

// State returns the current state and when it was entered.
func (g *Gate[T]) State() (State, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.since
}

// Wait blocks until a value from epoch token or later is published, ctx is
// done, or the timeout elapses.
func (g *Gate[T]) Wait(ctx context.Context, token uint64) (Published[T], error) {
	if p, ok := g.ready(token); ok {
		return p, nil
	}

	g.mu.Lock()
	g.waiters++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.waiters--
		g.mu.Unlock()
	}()
	g.transition(Waiting)

	var timeoutC, stallC <-chan time.Time
	if g.opts.Timeout > 0 {
		t := g.opts.Clock.NewTimer(g.opts.Timeout)
		defer t.Stop()
		timeoutC = t.C()
	}
	if g.opts.StallAfter > 0 {
		t := g.opts.Clock.NewTimer(g.opts.StallAfter)
		defer t.Stop()
		stallC = t.C()
	}
	start := g.opts.Clock.Now()

	for {
		g.mu.Lock()
		if g.hasLatest && g.latest.Epoch >= token {
			p := g.latest
			changed := g.setStateLocked(Idle)
			g.mu.Unlock()
			g.fire(changed, Idle)
			return p, nil
		}
		ch := g.notify
		g.mu.Unlock()

		select {
		case <-ch:
		case <-stallC:
			stallC = nil
			monitoring.Opsf("gate: no sensor frame for %v after command (epoch %d), still waiting", g.opts.StallAfter, token)
			g.transition(Stalled)
		case <-timeoutC:
			monitoring.Opsf("gate: giving up after %v without a sensor frame (epoch %d)", g.opts.Clock.Since(start), token)
			g.transition(Stalled)
			var zero Published[T]
			return zero, ErrSensorStalled
		case <-ctx.Done():
			g.transition(Idle)
			var zero Published[T]
			return zero, ctx.Err()
		}
	}
}

func (g *Gate[T]) ready(token uint64) (Published[T], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasLatest && g.latest.Epoch >= token {
		return g.latest, true
	}
	return Published[T]{}, false
}

func (g *Gate[T]) transition(s State) {
	g.mu.Lock()
	changed := g.setStateLocked(s)
	g.mu.Unlock()
	g.fire(changed, s)
}

func (g *Gate[T]) setStateLocked(s State) bool {
	if g.state == s {
		return false
	}
	g.state = s
	g.since = g.opts.Clock.Now()
	return true
}

func (g *Gate[T]) fire(changed bool, s State) {
	if changed && g.opts.OnStateChange != nil {
		g.opts.OnStateChange(s)
	}
}
