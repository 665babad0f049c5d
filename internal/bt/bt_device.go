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
	"github.com/tessvall/oximon/internal/safe_map"
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota
	Connecting
	Connected
)

func (s BTDeviceState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// BTDevice is the capability surface the rest of the application sees for
// one BLE peripheral. The pulse oximeter only ever notifies and is read
// from, so there is no write path here.
type BTDevice interface {
	GetAddressString() string
	GetLocalName() string
	GetScanRSSI() (int16, error)
	GetScanLastSeen() time.Time
	SetScanLastSeen(time.Time)
	IsConnected() bool
	GetState() BTDeviceState
	IsRecentlyScanned() bool
	// WaitForConnection blocks until the adapter reports the link up, the
	// timeout elapses or ctx is cancelled.
	WaitForConnection(ctx context.Context, timeout time.Duration) error
	// EnableNotifications subscribes to a characteristic. The callback runs
	// on the adapter's notification goroutine and must not block.
	EnableNotifications(serviceUUID, characteristicUUID string, callback func(buf []byte)) error
	DisableNotifications(serviceUUID, characteristicUUID string) error
	ReadCharacteristic(serviceUUID, characteristicUUID string) ([]byte, error)
	GetServiceUUIDs() []string
	HasServiceUUID(uuid string) bool
	// ListenToState registers a channel that receives every device state
	// change, replaying the current state on registration. Returns a
	// deregistration function.
	ListenToState(ch chan<- BTDeviceState) func()
}

type btDeviceImpl struct {
	address     bluetooth.Address
	localName   string
	scanTimeout time.Duration
	logger      *log.Logger

	mu              sync.RWMutex
	scanLastSeen    time.Time
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device // nil while disconnected
	state           BTDeviceState
	serviceUuidStrs []string

	// Serializes GATT operations; tinygo adapters misbehave when discovery
	// and subscription interleave.
	bleMu sync.Mutex

	stateEvent *events.ChannelEvent[BTDeviceState]

	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
}

func newBtDeviceImpl(logger *log.Logger, address bluetooth.Address, scanTimeout time.Duration) *btDeviceImpl {
	if logger == nil {
		panic("btDeviceImpl: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		panic("btDeviceImpl: scanTimeout must be > 0")
	}
	return &btDeviceImpl{
		logger:                 logger,
		address:                address,
		localName:              "Unknown",
		scanTimeout:            scanTimeout,
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		stateEvent:             events.NewChannelEvent[BTDeviceState](true),
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) getAddress() bluetooth.Address { return b.address }

func (b *btDeviceImpl) GetAddressString() string { return b.address.String() }

func (b *btDeviceImpl) GetLocalName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult != nil {
		if name := b.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return b.localName
}

func (b *btDeviceImpl) GetScanRSSI() (int16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult == nil {
		return 0, fmt.Errorf("no scan result for %s", b.address.String())
	}
	return b.scanResult.RSSI, nil
}

func (b *btDeviceImpl) GetScanLastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanLastSeen
}

func (b *btDeviceImpl) SetScanLastSeen(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanLastSeen = t
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) IsRecentlyScanned() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult == nil {
		return false
	}
	return time.Since(b.scanLastSeen) <= b.scanTimeout
}

func (b *btDeviceImpl) GetServiceUUIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.serviceUuidStrs
}

func (b *btDeviceImpl) HasServiceUUID(uuid string) bool {
	uuid = strings.ToLower(uuid)
	for _, u := range b.GetServiceUUIDs() {
		if strings.ToLower(u) == uuid {
			return true
		}
	}
	return false
}

func (b *btDeviceImpl) ListenToState(ch chan<- BTDeviceState) func() {
	return b.stateEvent.Listen(ch)
}

// WaitForConnection blocks until the adapter's connect handler flips the
// device to Connected, the timeout elapses or ctx is cancelled.
func (b *btDeviceImpl) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	ch := make(chan BTDeviceState, 4)
	unregister := b.ListenToState(ch)
	defer unregister()

	if b.IsConnected() {
		return nil
	}

	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state := <-ch:
			if state == Connected {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timeout after %v waiting for connection to %s", timeout, b.address.String())
		}
	}
}

func (b *btDeviceImpl) EnableNotifications(serviceUuidStr, characteristicUuidStr string, callback func(buf []byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callback); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", characteristicUuidStr, err)
	}
	b.logger.Printf("BTDevice: notifications enabled on %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) DisableNotifications(serviceUuidStr, characteristicUuidStr string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	// A nil callback unsubscribes.
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", characteristicUuidStr, err)
	}
	b.logger.Printf("BTDevice: notifications disabled on %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) ReadCharacteristic(serviceUuidStr, characteristicUuidStr string) ([]byte, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", characteristicUuidStr, err)
	}
	return buf[:n], nil
}

func (b *btDeviceImpl) setScanResult(scanResult *bluetooth.ScanResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanResult = scanResult
}

func (b *btDeviceImpl) setServiceUUIDs(serviceUuids []bluetooth.UUID) {
	strs := make([]string, 0, len(serviceUuids))
	for _, uuid := range serviceUuids {
		strs = append(strs, uuid.String())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serviceUuidStrs = strs
}

func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	b.connectedDevice = device
	if device == nil {
		// The GATT caches belong to the dropped link.
		b.serviceByUuid = safe_map.NewSafeMap[string, *bluetooth.DeviceService]()
		b.characteristicByUuid = safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic]()
		b.serviceCharsDiscovered = safe_map.NewSafeMap[string, bool]()
		b.allServicesDiscovered = false
	}
	b.mu.Unlock()
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

func (b *btDeviceImpl) setState(state BTDeviceState) {
	b.mu.Lock()
	changed := b.state != state
	b.state = state
	b.mu.Unlock()
	if changed {
		b.stateEvent.Notify(state)
	}
}

func (b *btDeviceImpl) resolveCharacteristic(serviceUuidStr, charUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	charUuid, err := bluetooth.ParseUUID(charUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUuidStr, err)
	}
	return b.getDeviceCharacteristic(serviceUuid, charUuid)
}

func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	serviceUuidStr := serviceUuid.String()

	if service, ok := b.serviceByUuid.Load(serviceUuidStr); ok {
		return service, nil
	}

	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, fmt.Errorf("no connected device for %s", b.address.String())
	}

	// Discover all services in one pass. Discovering services one at a time
	// interrupts notifications on services discovered earlier.
	if !b.allServicesDiscovered {
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
		}
		b.allServicesDiscovered = true
	}

	service, ok := b.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
	}
	return service, nil
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	charKey := serviceUuidStr + "_" + charUuid.String()

	if characteristic, ok := b.characteristicByUuid.Load(charKey); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			b.characteristicByUuid.Store(serviceUuidStr+"_"+char.UUID().String(), char)
		}
		b.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(charKey)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuid.String(), serviceUuidStr)
	}
	return characteristic, nil
}
