package pulseox

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessvall/oximon/internal/bt"
	"github.com/tessvall/oximon/internal/events"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		ScanTimeout:       2 * time.Second,
		ConnectTimeout:    2 * time.Second,
		InactivityTimeout: 2 * time.Second,
	}
}

func openMockSession(t *testing.T, notify func(ConnectionState)) (*Session, *MockOximeterDevice, *MockBTManager) {
	t.Helper()
	logger := testLogger()
	device := NewMockOximeterDevice(logger)
	manager := NewMockBTManager(logger, device)

	s, err := OpenSession(context.Background(), manager, DeviceIdentity{NamePattern: "oxysmart"}, testSessionConfig(), logger, notify)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		manager.Shutdown()
	})
	return s, device, manager
}

func TestOpenSession_StreamsReadings(t *testing.T) {
	var stages []ConnectionState
	s, _, _ := openMockSession(t, func(state ConnectionState) { stages = append(stages, state) })

	assert.Equal(t, []ConnectionState{StateDiscovering, StateConnecting, StateSubscribing}, stages)
	assert.Equal(t, 87, s.Battery())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Collect until a vitals frame shows up; the mock sends one per second.
	deadline := time.Now().Add(4 * time.Second)
	var sawVitals, sawPleth bool
	for time.Now().Before(deadline) && !(sawVitals && sawPleth) {
		readings, err := s.Next(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, readings)
		for _, r := range readings {
			if r.HasVitals {
				sawVitals = true
				assert.Equal(t, uint8(98), r.SpO2)
				assert.Equal(t, uint8(72), r.PulseRate)
			}
			if r.HasPleth {
				sawPleth = true
			}
		}
	}
	assert.True(t, sawVitals, "expected a vitals reading")
	assert.True(t, sawPleth, "expected a pleth reading")
}

func TestSession_DisconnectSurfacesAsOutcome(t *testing.T) {
	s, device, _ := openMockSession(t, nil)

	device.setConnected(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		readings, err := s.Next(ctx)
		if err != nil {
			require.ErrorIs(t, err, ErrDisconnected)
			return
		}
		require.NotEmpty(t, readings) // drained chunks queued before the drop
	}
}

func TestSession_InactivityStallTreatedAsDisconnect(t *testing.T) {
	logger := testLogger()
	device := NewMockOximeterDevice(logger)
	manager := NewMockBTManager(logger, device)
	cfg := testSessionConfig()
	cfg.InactivityTimeout = 100 * time.Millisecond

	s, err := OpenSession(context.Background(), manager, DeviceIdentity{NamePattern: "oxysmart"}, cfg, logger, nil)
	require.NoError(t, err)
	defer manager.Shutdown()
	defer s.Close()

	// Silence the device without dropping the link.
	device.mu.Lock()
	device.stopEmitterLocked()
	device.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, err := s.Next(ctx)
		if err != nil {
			require.ErrorIs(t, err, ErrDisconnected)
			assert.Contains(t, err.Error(), "stalled")
			return
		}
	}
}

func TestSession_NotFound(t *testing.T) {
	logger := testLogger()
	device := NewMockOximeterDevice(logger)
	manager := NewMockBTManager(logger, device)
	defer manager.Shutdown()

	cfg := testSessionConfig()
	cfg.ScanTimeout = 100 * time.Millisecond

	_, err := OpenSession(context.Background(), manager, DeviceIdentity{NamePattern: "nonesuch"}, cfg, logger, nil)
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, manager.IsScanning(), "scan must stop after a failed attempt")
}

func TestSession_CancelDuringDiscovery(t *testing.T) {
	logger := testLogger()
	device := NewMockOximeterDevice(logger)
	manager := NewMockBTManager(logger, device)
	defer manager.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := OpenSession(ctx, manager, DeviceIdentity{NamePattern: "nonesuch"}, testSessionConfig(), logger, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSession_CloseIdempotent(t *testing.T) {
	s, device, _ := openMockSession(t, nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, device.IsConnected())
}

func TestSession_DecodeFatalAfterResyncBound(t *testing.T) {
	s := &Session{
		logger: testLogger(),
		chunks: make(chan []byte, chunkQueueLen),
		down:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	garbage := make([]byte, 512) // all zero, never a marker
	for i := 0; i < 9; i++ {
		s.chunks <- garbage
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, ErrDecodeFatal)
}

func TestSession_GarbageThenFramesRecovers(t *testing.T) {
	s := &Session{
		logger: testLogger(),
		chunks: make(chan []byte, chunkQueueLen),
		down:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	s.chunks <- []byte{0x01, 0x02, 0x03}
	s.chunks <- appendVitalsFrame(nil, 95, 60, 1500)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	readings, err := s.Next(ctx)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, uint8(95), readings[0].SpO2)
	assert.Zero(t, s.discarded, "a good frame resets the discard counter")
}

// stubDevice fails configured stages so the error taxonomy can be tested
// without radio hardware.
type stubDevice struct {
	*MockOximeterDevice
	failWait      bool
	failSubscribe bool
}

func (d *stubDevice) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if d.failWait {
		return fmt.Errorf("stub: link never came up")
	}
	return d.MockOximeterDevice.WaitForConnection(ctx, timeout)
}

func (d *stubDevice) EnableNotifications(serviceUUID, characteristicUUID string, callback func(buf []byte)) error {
	if d.failSubscribe && callback != nil {
		return fmt.Errorf("stub: CCCD write rejected")
	}
	return d.MockOximeterDevice.EnableNotifications(serviceUUID, characteristicUUID, callback)
}

// stubManager serves a stubDevice through the manager interface.
type stubManager struct {
	*MockBTManager
	device *stubDevice
	// holdLink makes Connect succeed without the link ever coming up.
	holdLink bool
}

func (m *stubManager) Connect(device bt.BTDevice) error {
	if m.holdLink {
		return nil
	}
	return m.MockBTManager.Connect(device)
}

func newStubManager(logger *log.Logger, device *stubDevice) *stubManager {
	return &stubManager{
		MockBTManager: NewMockBTManager(logger, device.MockOximeterDevice),
		device:        device,
	}
}

func (m *stubManager) ListenToDeviceList(ch chan<- []bt.BTDevice) func() {
	forward := make(chan []bt.BTDevice, 4)
	unregister := m.MockBTManager.ListenToDeviceList(forward)
	wrapped := events.NewChannelEvent[[]bt.BTDevice](false)
	unlisten := wrapped.Listen(ch)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-forward:
				wrapped.Notify([]bt.BTDevice{m.device})
			}
		}
	}()
	return func() {
		close(done)
		unregister()
		unlisten()
	}
}

func TestSession_ConnectFailed(t *testing.T) {
	logger := testLogger()
	device := &stubDevice{MockOximeterDevice: NewMockOximeterDevice(logger), failWait: true}
	manager := newStubManager(logger, device)
	defer manager.Shutdown()

	cfg := testSessionConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond

	_, err := OpenSession(context.Background(), manager, DeviceIdentity{NamePattern: "oxysmart"}, cfg, logger, nil)
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.False(t, device.IsConnected(), "failed connect attempt must release the link")
}

func TestSession_CancelDuringConnectWait(t *testing.T) {
	logger := testLogger()
	device := &stubDevice{MockOximeterDevice: NewMockOximeterDevice(logger)}
	manager := newStubManager(logger, device)
	manager.holdLink = true
	defer manager.Shutdown()

	cfg := testSessionConfig()
	cfg.ConnectTimeout = 3 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := OpenSession(ctx, manager, DeviceIdentity{NamePattern: "oxysmart"}, cfg, logger, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancellation must interrupt the connect wait")
}

func TestSession_SubscribeFailed(t *testing.T) {
	logger := testLogger()
	device := &stubDevice{MockOximeterDevice: NewMockOximeterDevice(logger), failSubscribe: true}
	manager := newStubManager(logger, device)
	defer manager.Shutdown()

	_, err := OpenSession(context.Background(), manager, DeviceIdentity{NamePattern: "oxysmart"}, testSessionConfig(), logger, nil)
	require.ErrorIs(t, err, ErrSubscribeFailed)
	assert.False(t, device.IsConnected(), "failed subscribe must release the link")
}
