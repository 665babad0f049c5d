// Package bt wraps tinygo.org/x/bluetooth behind interfaces so the rest of
// the application never touches process-wide adapter state and tests can
// substitute fakes for the radio.
package bt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/tessvall/oximon/internal/events"
	"github.com/tessvall/oximon/internal/go_func_utils"
)

// ScanFilter selects which advertisements StartScan keeps. Empty fields
// match everything. The oximeter does not include its UART service in the
// scan response, so name matching is the primary filter.
type ScanFilter struct {
	// NamePattern is a case-insensitive substring of the advertised local name.
	NamePattern string
	// Address is an exact adapter address string.
	Address string
}

// Matches reports whether a scan result passes the filter.
func (f ScanFilter) Matches(localName, address string) bool {
	if f.Address != "" && !strings.EqualFold(f.Address, address) {
		return false
	}
	if f.NamePattern != "" && !strings.Contains(strings.ToLower(localName), strings.ToLower(f.NamePattern)) {
		return false
	}
	return true
}

// BTManagerInterface defines the interface for Bluetooth manager implementations.
type BTManagerInterface interface {
	Enable() error
	GetBTDeviceByAddressString(addressString string) BTDevice
	StartScan(filter ScanFilter)
	StopScan() error
	IsScanning() bool
	Connect(device BTDevice) error
	Disconnect(device BTDevice) error
	GetScanDevices() []BTDevice
	ListenToDeviceList(ch chan<- []BTDevice) func()
	Shutdown()
}

var _ BTManagerInterface = (*BTManager)(nil)

type BTManager struct {
	adapter             *bluetooth.Adapter
	logger              *log.Logger
	scanTimeout         time.Duration
	scanDeviceListEvent *events.ChannelEvent[[]BTDevice]

	mu                sync.RWMutex
	devicesByAddress  map[string]*btDeviceImpl
	scanning          bool
	scanContext       context.Context
	scanContextCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout ...time.Duration) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	timeout := 10 * time.Second
	if len(scanTimeout) > 0 && scanTimeout[0] > 0 {
		timeout = scanTimeout[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:             adapter,
		logger:              logger,
		scanTimeout:         timeout,
		scanDeviceListEvent: events.NewChannelEvent[[]BTDevice](true),
		devicesByAddress:    make(map[string]*btDeviceImpl),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// Enable powers the adapter and installs the connect handler that tracks
// link state per device. Disconnects arrive here asynchronously from the
// platform stack.
func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		d := m.getOrCreateDevice(device.Address)
		if connected {
			m.logger.Printf("BTManager: device connected: %s", device.Address.String())
			d.setConnectedDevice(&device)
			d.setState(Connected)
		} else {
			m.logger.Printf("BTManager: device disconnected: %s", device.Address.String())
			d.setConnectedDevice(nil)
			d.setState(Disconnected)
		}
	})
	return m.adapter.Enable()
}

func (m *BTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devicesByAddress[addressString]
	if !ok {
		return nil
	}
	return device
}

func (m *BTManager) getOrCreateDevice(address bluetooth.Address) *btDeviceImpl {
	m.mu.Lock()
	defer m.mu.Unlock()
	addressStr := address.String()
	d, ok := m.devicesByAddress[addressStr]
	if !ok {
		d = newBtDeviceImpl(m.logger, address, m.scanTimeout)
		m.devicesByAddress[addressStr] = d
	}
	return d
}

// StartScan begins advertising collection, keeping only results that pass
// the filter. Scanning continues until StopScan or Shutdown.
func (m *BTManager) StartScan(filter ScanFilter) {
	m.mu.Lock()
	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("BTManager: scan already running, restarting with new filter")
		m.scanContextCancel()
	}
	m.scanning = true
	m.scanContext, m.scanContextCancel = context.WithCancel(m.ctx)
	scanCtx := m.scanContext
	m.mu.Unlock()

	m.logger.Printf("BTManager: starting scan (name=%q address=%q)", filter.NamePattern, filter.Address)

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.cleanupStaleDevices(scanCtx)
	})

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				// Stale callback after StopScan; the adapter still needs
				// StopScan called to actually halt.
				return
			default:
			}

			if !filter.Matches(result.LocalName(), result.Address.String()) {
				return
			}

			d := m.getOrCreateDevice(result.Address)
			first := d.GetScanLastSeen().IsZero() || d.GetScanLastSeen().Equal(time.Unix(0, 0))
			d.setScanResult(&result)
			d.setServiceUUIDs(result.ServiceUUIDs())
			d.SetScanLastSeen(time.Now())
			if first {
				name := result.LocalName()
				if name == "" {
					name = "Unknown"
				}
				m.logger.Printf("BTManager: found device: %s (%s) [RSSI: %d]", name, result.Address.String(), result.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("BTManager: scan error: %v", err)
		}
	})

	// Publish the matching device list once a second while scanning.
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				m.scanDeviceListEvent.Notify(m.GetScanDevices())
			}
		}
	})
}

func (m *BTManager) cleanupStaleDevices(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for addr, device := range m.devicesByAddress {
				// Connected devices stay tracked even when advertising stops.
				if device.IsConnected() {
					continue
				}
				if now.Sub(device.GetScanLastSeen()) > m.scanTimeout {
					delete(m.devicesByAddress, addr)
					m.logger.Printf("BTManager: device timeout: %s (not seen for %v)", addr, m.scanTimeout)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	m.mu.Unlock()
	return m.adapter.StopScan()
}

func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Connect initiates a connection. Completion is reported asynchronously
// through the connect handler; callers wait with device.WaitForConnection.
func (m *BTManager) Connect(device BTDevice) error {
	addressStr := device.GetAddressString()

	m.mu.RLock()
	impl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok || impl == nil {
		return fmt.Errorf("unknown device %s", addressStr)
	}

	m.logger.Printf("BTManager: connecting to %s", addressStr)
	if _, err := m.adapter.Connect(impl.getAddress(), bluetooth.ConnectionParams{}); err != nil {
		return fmt.Errorf("connect to %s: %w", addressStr, err)
	}
	impl.setState(Connecting)
	return nil
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addressStr := device.GetAddressString()

	m.mu.RLock()
	impl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok || impl == nil {
		return fmt.Errorf("unknown device %s", addressStr)
	}
	if impl.GetState() == Disconnected {
		return nil
	}
	inner := impl.getConnectedDevice()
	if inner == nil {
		return nil
	}
	m.logger.Printf("BTManager: disconnecting from %s", addressStr)
	return inner.Disconnect()
}

func (m *BTManager) GetScanDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0, len(m.devicesByAddress))
	for _, device := range m.devicesByAddress {
		if device.IsRecentlyScanned() {
			result = append(result, device)
		}
	}
	return result
}

// ListenToDeviceList registers a channel for scan device list updates,
// emitted at most once per second while scanning. Returns a deregistration
// function.
func (m *BTManager) ListenToDeviceList(ch chan<- []BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

// Shutdown disconnects everything, stops scanning and waits for the
// manager's goroutines.
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: shutting down")

	m.mu.RLock()
	connected := make([]*btDeviceImpl, 0)
	for _, device := range m.devicesByAddress {
		if device.IsConnected() {
			connected = append(connected, device)
		}
	}
	m.mu.RUnlock()

	for _, device := range connected {
		if err := m.Disconnect(device); err != nil {
			m.logger.Printf("BTManager: error disconnecting %s: %v", device.GetAddressString(), err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: shutdown complete")
}
