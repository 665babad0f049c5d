package pulseox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tessvall/oximon/internal/bt"
	"github.com/tessvall/oximon/internal/go_func_utils"
)

// Failure taxonomy. Connection-stage errors and ErrDisconnected are
// recovered by the supervisor's retry; ErrDecodeFatal means the stream
// could not be resynchronized within the bound and the link is rebuilt.
var (
	ErrNotFound        = errors.New("device not found")
	ErrConnectFailed   = errors.New("connect failed")
	ErrSubscribeFailed = errors.New("subscribe failed")
	ErrDisconnected    = errors.New("disconnected")
	ErrDecodeFatal     = errors.New("decoder could not resynchronize")
)

// DeviceIdentity locates the target peripheral among everything that
// advertises. Either field may be empty; both set must both match.
type DeviceIdentity struct {
	// NamePattern is a case-insensitive substring of the advertised name,
	// e.g. "OxySmart".
	NamePattern string
	// Address pins an exact adapter address.
	Address string
}

func (id DeviceIdentity) String() string {
	if id.Address != "" {
		return id.Address
	}
	return "name~" + id.NamePattern
}

// SessionConfig bounds the blocking stages of a session.
type SessionConfig struct {
	// ScanTimeout bounds discovery; expiry is ErrNotFound.
	ScanTimeout time.Duration
	// ConnectTimeout bounds link establishment; expiry is ErrConnectFailed.
	ConnectTimeout time.Duration
	// InactivityTimeout bounds the gap between readings while streaming. A
	// connected device that goes silent for this long is treated as
	// disconnected. Zero disables the check.
	InactivityTimeout time.Duration
}

// decodeFatalLimit is the number of bytes the decoder may discard without
// completing a single frame before the session gives up on the stream.
const decodeFatalLimit = 4096

const chunkQueueLen = 64

// Session owns one live BLE link to the oximeter: the connection handle,
// the notification subscription and the decode buffer. A session is
// never reused; when it fails the supervisor builds a new one.
type Session struct {
	manager bt.BTManagerInterface
	device  bt.BTDevice
	logger  *log.Logger

	chunks chan []byte
	// closed by the state watcher when the adapter reports link loss
	down chan struct{}
	// closed by Close to stop the watcher
	quit          chan struct{}
	unlistenState func()

	inactivity time.Duration

	// decode state, owned by the Next caller
	buf       []byte
	discarded int

	battery int // percent, -1 when the device has no battery service

	closeOnce sync.Once
	closeErr  error
}

// OpenSession discovers the peripheral matching identity, connects,
// subscribes to the notification stream and reads the battery level once.
// notify, if non-nil, is called as the attempt moves through the
// Discovering, Connecting and Subscribing stages. Failures are wrapped
// ErrNotFound, ErrConnectFailed or ErrSubscribeFailed; a cancelled ctx
// returns its error directly.
func OpenSession(ctx context.Context, manager bt.BTManagerInterface, identity DeviceIdentity, cfg SessionConfig, logger *log.Logger, notify func(ConnectionState)) (*Session, error) {
	if manager == nil {
		panic("OpenSession: manager cannot be nil")
	}
	if logger == nil {
		panic("OpenSession: logger cannot be nil")
	}
	if notify == nil {
		notify = func(ConnectionState) {}
	}

	notify(StateDiscovering)
	device, err := discover(ctx, manager, identity, cfg.ScanTimeout, logger)
	if err != nil {
		return nil, err
	}

	notify(StateConnecting)
	if err := manager.Connect(device); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if err := device.WaitForConnection(ctx, cfg.ConnectTimeout); err != nil {
		// Release whatever the connect attempt established; a link that
		// comes up afterwards would have no owning session.
		_ = manager.Disconnect(device)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if err := ctx.Err(); err != nil {
		_ = manager.Disconnect(device)
		return nil, err
	}

	notify(StateSubscribing)
	s := &Session{
		manager:    manager,
		device:     device,
		logger:     logger,
		chunks:     make(chan []byte, chunkQueueLen),
		down:       make(chan struct{}),
		quit:       make(chan struct{}),
		inactivity: cfg.InactivityTimeout,
		battery:    -1,
	}

	stateCh := make(chan bt.BTDeviceState, 8)
	s.unlistenState = device.ListenToState(stateCh)
	go_func_utils.SafeGo(logger, func() { s.watchLink(stateCh) })

	err = device.EnableNotifications(UARTServiceUUID, StreamCharacteristicUUID, s.onChunk)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}

	s.readBattery()

	logger.Printf("Session: streaming from %s (%s)", device.GetLocalName(), device.GetAddressString())
	return s, nil
}

// discover waits for a scan result matching identity. The manager keeps
// scanning in the background; this only watches the device list.
func discover(ctx context.Context, manager bt.BTManagerInterface, identity DeviceIdentity, timeout time.Duration, logger *log.Logger) (bt.BTDevice, error) {
	manager.StartScan(bt.ScanFilter{NamePattern: identity.NamePattern, Address: identity.Address})
	defer func() {
		if err := manager.StopScan(); err != nil {
			logger.Printf("Session: error stopping scan: %v", err)
		}
	}()

	listCh := make(chan []bt.BTDevice, 4)
	unregister := manager.ListenToDeviceList(listCh)
	defer unregister()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%w: nothing matching %s within %v", ErrNotFound, identity, timeout)
		case devices := <-listCh:
			if len(devices) > 0 {
				// The scan filter already matched identity.
				return devices[0], nil
			}
		}
	}
}

// onChunk runs on the adapter's notification goroutine. The payload is
// copied because adapters reuse the buffer, then queued without blocking;
// a full queue drops the chunk and the decoder resynchronizes.
func (s *Session) onChunk(buf []byte) {
	chunk := make([]byte, len(buf))
	copy(chunk, buf)
	select {
	case s.chunks <- chunk:
	default:
		s.logger.Printf("Session: chunk queue full, dropping %d bytes", len(chunk))
	}
}

func (s *Session) watchLink(stateCh chan bt.BTDeviceState) {
	for {
		select {
		case <-s.quit:
			return
		case state := <-stateCh:
			if state == bt.Disconnected {
				close(s.down)
				return
			}
		}
	}
}

func (s *Session) readBattery() {
	value, err := s.device.ReadCharacteristic(BatteryServiceUUID, BatteryLevelCharacteristicUUID)
	if err != nil {
		// Plenty of firmware revisions ship without the battery service.
		s.logger.Printf("Session: no battery level: %v", err)
		return
	}
	if len(value) > 0 {
		s.battery = int(value[0])
		s.logger.Printf("Session: battery %d%%", s.battery)
	}
}

// Battery returns the battery percentage read at open, or -1 if the
// device did not report one.
func (s *Session) Battery() int { return s.battery }

// Next blocks until the stream yields at least one decoded reading and
// returns the readings in wire order. Link loss returns ErrDisconnected,
// a silent link past the inactivity timeout returns ErrDisconnected with
// a stall annotation, and resynchronization past decodeFatalLimit returns
// ErrDecodeFatal. A cancelled ctx returns promptly with its error.
func (s *Session) Next(ctx context.Context) ([]Reading, error) {
	var deadline <-chan time.Time
	if s.inactivity > 0 {
		timer := time.NewTimer(s.inactivity)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.down:
			return nil, ErrDisconnected
		case <-deadline:
			return nil, fmt.Errorf("%w: stream stalled, no reading for %v", ErrDisconnected, s.inactivity)
		case chunk := <-s.chunks:
			consumed := len(s.buf) + len(chunk)
			var readings []Reading
			s.buf, readings = Decode(s.buf, chunk)
			consumed -= len(s.buf)

			if len(readings) > 0 {
				s.discarded = 0
				return readings, nil
			}

			s.discarded += consumed
			if s.discarded > decodeFatalLimit {
				return nil, fmt.Errorf("%w: %d bytes discarded without a frame", ErrDecodeFatal, s.discarded)
			}
		}
	}
}

// Close releases the link exactly once: unsubscribes, disconnects and
// stops the session's goroutine. Safe to call from any state and
// idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.teardown()
	})
	return s.closeErr
}

func (s *Session) teardown() {
	if s.unlistenState != nil {
		s.unlistenState()
	}
	if s.device.IsConnected() {
		if err := s.device.DisableNotifications(UARTServiceUUID, StreamCharacteristicUUID); err != nil {
			s.logger.Printf("Session: error disabling notifications: %v", err)
		}
	}
	if err := s.manager.Disconnect(s.device); err != nil {
		s.logger.Printf("Session: error disconnecting: %v", err)
		s.closeErr = err
	}
}
