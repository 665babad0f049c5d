package pulseox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tessvall/oximon/internal/bt"
	"github.com/tessvall/oximon/internal/events"
	"github.com/tessvall/oximon/internal/go_func_utils"
)

// MockOximeterDevice implements bt.BTDevice without radio hardware. It
// emits synthetic vitals and pleth wave frames on a ticker, and exposes
// knobs to change vitals, inject raw bytes and force disconnects, so the
// whole pipeline can be exercised on a desk with no oximeter in sight.
type MockOximeterDevice struct {
	logger    *log.Logger
	address   string
	localName string

	mu         sync.RWMutex
	state      bt.BTDeviceState
	notifyCb   func([]byte)
	spo2       uint8
	pulse      uint8
	pi         uint16
	battery    uint8
	phase      float64
	emitQuit   chan struct{}
	stateEvent *events.ChannelEvent[bt.BTDeviceState]
	wg         sync.WaitGroup
}

var _ bt.BTDevice = (*MockOximeterDevice)(nil)

func NewMockOximeterDevice(logger *log.Logger) *MockOximeterDevice {
	if logger == nil {
		panic("MockOximeterDevice: logger cannot be nil")
	}
	return &MockOximeterDevice{
		logger:     logger,
		address:    "C0:FF:EE:00:00:01",
		localName:  "OxySmart-MOCK",
		state:      bt.Disconnected,
		spo2:       98,
		pulse:      72,
		pi:         5200,
		battery:    87,
		stateEvent: events.NewChannelEvent[bt.BTDeviceState](true),
	}
}

func (m *MockOximeterDevice) GetAddressString() string { return m.address }
func (m *MockOximeterDevice) GetLocalName() string     { return m.localName }

func (m *MockOximeterDevice) GetScanRSSI() (int16, error) { return -42, nil }

// The mock is always in radio range.
func (m *MockOximeterDevice) GetScanLastSeen() time.Time { return time.Now() }
func (m *MockOximeterDevice) SetScanLastSeen(time.Time)  {}
func (m *MockOximeterDevice) IsRecentlyScanned() bool    { return true }

func (m *MockOximeterDevice) IsConnected() bool {
	return m.GetState() == bt.Connected
}

func (m *MockOximeterDevice) GetState() bt.BTDeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MockOximeterDevice) GetServiceUUIDs() []string {
	return []string{UARTServiceUUID, BatteryServiceUUID}
}

func (m *MockOximeterDevice) HasServiceUUID(uuid string) bool {
	for _, u := range m.GetServiceUUIDs() {
		if strings.EqualFold(u, uuid) {
			return true
		}
	}
	return false
}

func (m *MockOximeterDevice) ListenToState(ch chan<- bt.BTDeviceState) func() {
	return m.stateEvent.Listen(ch)
}

func (m *MockOximeterDevice) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	ch := make(chan bt.BTDeviceState, 4)
	unregister := m.ListenToState(ch)
	defer unregister()
	if m.IsConnected() {
		return nil
	}
	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state := <-ch:
			if state == bt.Connected {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timeout after %v waiting for mock connection", timeout)
		}
	}
}

func (m *MockOximeterDevice) EnableNotifications(serviceUUID, characteristicUUID string, callback func(buf []byte)) error {
	if !strings.EqualFold(characteristicUUID, StreamCharacteristicUUID) {
		return fmt.Errorf("mock: unknown notify characteristic %s", characteristicUUID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != bt.Connected {
		return fmt.Errorf("mock: not connected")
	}
	m.notifyCb = callback
	if callback == nil {
		m.stopEmitterLocked()
		return nil
	}
	m.startEmitterLocked()
	return nil
}

func (m *MockOximeterDevice) DisableNotifications(serviceUUID, characteristicUUID string) error {
	return m.EnableNotifications(serviceUUID, characteristicUUID, nil)
}

func (m *MockOximeterDevice) ReadCharacteristic(serviceUUID, characteristicUUID string) ([]byte, error) {
	if strings.EqualFold(characteristicUUID, BatteryLevelCharacteristicUUID) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return []byte{m.battery}, nil
	}
	return nil, fmt.Errorf("mock: unknown read characteristic %s", characteristicUUID)
}

// SetVitals changes the values the emitter reports.
func (m *MockOximeterDevice) SetVitals(spo2, pulse uint8, pi uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spo2, m.pulse, m.pi = spo2, pulse, pi
}

func (m *MockOximeterDevice) SetBattery(level uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battery = level
}

// InjectRaw delivers arbitrary bytes through the notification callback,
// bypassing the emitter. Used to test resynchronization.
func (m *MockOximeterDevice) InjectRaw(data []byte) {
	m.mu.RLock()
	cb := m.notifyCb
	m.mu.RUnlock()
	if cb != nil {
		cb(data)
	}
}

// setConnected flips the link state and publishes the change, as the real
// adapter's connect handler would.
func (m *MockOximeterDevice) setConnected(connected bool) {
	m.mu.Lock()
	var state bt.BTDeviceState
	if connected {
		state = bt.Connected
	} else {
		state = bt.Disconnected
		m.stopEmitterLocked()
		m.notifyCb = nil
	}
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if changed {
		m.logger.Printf("MockOximeterDevice: state %v", state)
		m.stateEvent.Notify(state)
	}
}

// startEmitterLocked begins the frame ticker. Caller holds m.mu.
func (m *MockOximeterDevice) startEmitterLocked() {
	if m.emitQuit != nil {
		return
	}
	quit := make(chan struct{})
	m.emitQuit = quit
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.emit(quit)
	})
}

// stopEmitterLocked stops the frame ticker. Caller holds m.mu.
func (m *MockOximeterDevice) stopEmitterLocked() {
	if m.emitQuit != nil {
		close(m.emitQuit)
		m.emitQuit = nil
	}
}

// emit produces a pleth sample every 40ms and a vitals frame once a
// second, batched the way the real device batches notifications.
func (m *MockOximeterDevice) emit(quit chan struct{}) {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			m.mu.Lock()
			cb := m.notifyCb
			m.phase += 2 * math.Pi * float64(m.pulse) / 60 * 0.040
			sample := uint8(60 + 50*math.Sin(m.phase))
			var payload []byte
			payload = appendWaveFrame(payload, sample)
			if tick%25 == 0 {
				payload = appendVitalsFrame(payload, m.spo2, m.pulse, m.pi)
			}
			m.mu.Unlock()
			tick++
			if cb != nil {
				cb(payload)
			}
		}
	}
}

// MockBTManager implements bt.BTManagerInterface around a single mock
// device, so the supervisor and session run unchanged against it.
type MockBTManager struct {
	logger *log.Logger
	device *MockOximeterDevice

	mu        sync.RWMutex
	scanning  bool
	scanQuit  chan struct{}
	listEvent *events.ChannelEvent[[]bt.BTDevice]
	wg        sync.WaitGroup
}

var _ bt.BTManagerInterface = (*MockBTManager)(nil)

func NewMockBTManager(logger *log.Logger, device *MockOximeterDevice) *MockBTManager {
	if logger == nil {
		panic("MockBTManager: logger cannot be nil")
	}
	if device == nil {
		panic("MockBTManager: device cannot be nil")
	}
	return &MockBTManager{
		logger:    logger,
		device:    device,
		listEvent: events.NewChannelEvent[[]bt.BTDevice](true),
	}
}

func (m *MockBTManager) Enable() error { return nil }

func (m *MockBTManager) GetBTDeviceByAddressString(addressString string) bt.BTDevice {
	if strings.EqualFold(addressString, m.device.GetAddressString()) {
		return m.device
	}
	return nil
}

func (m *MockBTManager) StartScan(filter bt.ScanFilter) {
	m.mu.Lock()
	if m.scanning {
		m.mu.Unlock()
		return
	}
	m.scanning = true
	quit := make(chan struct{})
	m.scanQuit = quit
	m.mu.Unlock()

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				if filter.Matches(m.device.GetLocalName(), m.device.GetAddressString()) {
					m.listEvent.Notify([]bt.BTDevice{m.device})
				}
			}
		}
	})
}

func (m *MockBTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	if m.scanQuit != nil {
		close(m.scanQuit)
		m.scanQuit = nil
	}
	return nil
}

func (m *MockBTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *MockBTManager) Connect(device bt.BTDevice) error {
	if device.GetAddressString() != m.device.GetAddressString() {
		return fmt.Errorf("mock: unknown device %s", device.GetAddressString())
	}
	m.device.setConnected(true)
	return nil
}

func (m *MockBTManager) Disconnect(device bt.BTDevice) error {
	if device.GetAddressString() != m.device.GetAddressString() {
		return fmt.Errorf("mock: unknown device %s", device.GetAddressString())
	}
	m.device.setConnected(false)
	return nil
}

func (m *MockBTManager) GetScanDevices() []bt.BTDevice {
	return []bt.BTDevice{m.device}
}

func (m *MockBTManager) ListenToDeviceList(ch chan<- []bt.BTDevice) func() {
	return m.listEvent.Listen(ch)
}

func (m *MockBTManager) Shutdown() {
	m.device.setConnected(false)
	_ = m.StopScan()
	m.wg.Wait()
	m.device.wg.Wait()
}

// mockStateResponse is the JSON shape of GET /api/state.
type mockStateResponse struct {
	SpO2      uint8  `json:"spo2"`
	PulseRate uint8  `json:"pulseRate"`
	PI        uint16 `json:"pi"`
	Battery   uint8  `json:"battery"`
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
	LocalName string `json:"localName"`
}

// StartControlServer exposes an HTTP surface to poke the mock device
// while the app runs: inspect and set vitals, and force a disconnect to
// watch the supervisor recover. Returns the server for shutdown.
func (m *MockBTManager) StartControlServer(port int) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			m.device.mu.RLock()
			resp := mockStateResponse{
				SpO2:      m.device.spo2,
				PulseRate: m.device.pulse,
				PI:        m.device.pi,
				Battery:   m.device.battery,
				Connected: m.device.state == bt.Connected,
				Address:   m.device.address,
				LocalName: m.device.localName,
			}
			m.device.mu.RUnlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(resp)
		case http.MethodPost:
			var req struct {
				SpO2      *uint8  `json:"spo2"`
				PulseRate *uint8  `json:"pulseRate"`
				PI        *uint16 `json:"pi"`
				Battery   *uint8  `json:"battery"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			m.device.mu.Lock()
			if req.SpO2 != nil {
				m.device.spo2 = *req.SpO2
			}
			if req.PulseRate != nil {
				m.device.pulse = *req.PulseRate
			}
			if req.PI != nil {
				m.device.pi = *req.PI
			}
			if req.Battery != nil {
				m.device.battery = *req.Battery
			}
			m.device.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.logger.Printf("MockBTManager: disconnect forced via control server")
		m.device.setConnected(false)
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{Addr: fmt.Sprintf("localhost:%d", port), Handler: mux}
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.logger.Printf("MockBTManager: control server on http://localhost:%d", port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			m.logger.Printf("MockBTManager: control server error: %v", err)
		}
	})
	return server
}
