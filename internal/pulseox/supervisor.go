package pulseox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tessvall/oximon/internal/bt"
	"github.com/tessvall/oximon/internal/events"
)

// ConnectionState is the supervisor's position in the connection
// lifecycle. Failed always leads back to Discovering after a delay; the
// loop only exits on context cancellation.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateDiscovering
	StateConnecting
	StateSubscribing
	StateStreaming
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDiscovering:
		return "Discovering"
	case StateConnecting:
		return "Connecting"
	case StateSubscribing:
		return "Subscribing"
	case StateStreaming:
		return "Streaming"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ReadingSink receives decoded readings, one at a time, in wire order.
type ReadingSink interface {
	Accept(Reading)
}

// DelayStrategy paces retry attempts. Implementations must return bounded
// delays; tests substitute a zero delay to drive the supervisor without
// real time passing.
type DelayStrategy interface {
	// Next returns the delay before the upcoming attempt.
	Next() time.Duration
	// Reset is called after a session reaches streaming.
	Reset()
}

// FixedDelay waits the same bounded interval before every retry.
type FixedDelay time.Duration

func (d FixedDelay) Next() time.Duration { return time.Duration(d) }
func (d FixedDelay) Reset()              {}

// Backoff doubles the delay per consecutive failure, from Min up to Max.
type Backoff struct {
	Min, Max time.Duration

	mu      sync.Mutex
	attempt int
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.Min
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	b.attempt++
	return d
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// streamSession is what the supervisor needs from a session; tests feed a
// fake that fails on command.
type streamSession interface {
	Next(ctx context.Context) ([]Reading, error)
	Close() error
	Battery() int
}

// openFunc builds one session attempt, reporting sub-stage transitions
// through notify.
type openFunc func(ctx context.Context, notify func(ConnectionState)) (streamSession, error)

// Supervisor drives the unbounded reconnect loop: build a session, stream
// it into the sink, and on any failure tear down and try again after a
// bounded delay. One session is in flight at a time.
type Supervisor struct {
	sink   ReadingSink
	delay  DelayStrategy
	logger *log.Logger
	open   openFunc

	stateEvent   *events.ChannelEvent[ConnectionState]
	batteryEvent *events.ChannelEvent[int]

	mu    sync.RWMutex
	state ConnectionState
}

// NewSupervisor wires the real session factory over manager.
func NewSupervisor(manager bt.BTManagerInterface, identity DeviceIdentity, cfg SessionConfig, sink ReadingSink, delay DelayStrategy, logger *log.Logger) *Supervisor {
	if manager == nil {
		panic("Supervisor: manager cannot be nil")
	}
	s := newSupervisor(sink, delay, logger)
	s.open = func(ctx context.Context, notify func(ConnectionState)) (streamSession, error) {
		return OpenSession(ctx, manager, identity, cfg, logger, notify)
	}
	return s
}

func newSupervisor(sink ReadingSink, delay DelayStrategy, logger *log.Logger) *Supervisor {
	if sink == nil {
		panic("Supervisor: sink cannot be nil")
	}
	if delay == nil {
		panic("Supervisor: delay cannot be nil")
	}
	if logger == nil {
		panic("Supervisor: logger cannot be nil")
	}
	return &Supervisor{
		sink:         sink,
		delay:        delay,
		logger:       logger,
		stateEvent:   events.NewChannelEvent[ConnectionState](true),
		batteryEvent: events.NewChannelEvent[int](true),
		state:        StateIdle,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ListenToState registers a channel for state transitions, replaying the
// current state. Returns a deregistration function.
func (s *Supervisor) ListenToState(ch chan<- ConnectionState) func() {
	return s.stateEvent.Listen(ch)
}

// ListenToBattery registers a channel for battery level reports. Returns
// a deregistration function.
func (s *Supervisor) ListenToBattery(ch chan<- int) func() {
	return s.batteryEvent.Listen(ch)
}

func (s *Supervisor) setState(state ConnectionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.logger.Printf("Supervisor: state %s", state)
		s.stateEvent.Notify(state)
	}
}

// Run loops until ctx is cancelled. It never returns on connection or
// stream failures; those feed the retry delay and a fresh attempt.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateIdle)

	for {
		session, err := s.open(ctx, s.setState)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Printf("Supervisor: attempt failed: %v", err)
			if !s.failAndWait(ctx) {
				return ctx.Err()
			}
			continue
		}

		s.setState(StateStreaming)
		s.delay.Reset()
		if level := session.Battery(); level >= 0 {
			s.batteryEvent.Notify(level)
		}

		err = s.stream(ctx, session)
		if closeErr := session.Close(); closeErr != nil {
			s.logger.Printf("Supervisor: error closing session: %v", closeErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Printf("Supervisor: session ended: %v", err)
		if !s.failAndWait(ctx) {
			return ctx.Err()
		}
	}
}

func (s *Supervisor) stream(ctx context.Context, session streamSession) error {
	for {
		readings, err := session.Next(ctx)
		if err != nil {
			return err
		}
		for _, r := range readings {
			s.sink.Accept(r)
		}
	}
}

// failAndWait enters Failed and sleeps the strategy's delay. It returns
// false when ctx was cancelled during the wait.
func (s *Supervisor) failAndWait(ctx context.Context) bool {
	s.setState(StateFailed)
	d := s.delay.Next()
	s.logger.Printf("Supervisor: retrying in %v", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
