package monitor

import (
	"context"
	"log"
	"sync"

	"github.com/tessvall/oximon/internal/events"
	"github.com/tessvall/oximon/internal/go_func_utils"
	"github.com/tessvall/oximon/internal/pulseox"
)

// Vitals is the latest numeric snapshot shown in the dashboard.
type Vitals struct {
	SpO2           uint8
	PulseRate      uint8
	PerfusionIndex float64
	// Valid is false while the sensor is searching for a finger or
	// reporting sentinel values.
	Valid bool
}

const (
	plethHistorySize = 240
	maxLogLines      = 1000
)

// MonitorModel holds everything the dashboard renders and notifies views
// through events. It is the supervisor's ReadingSink in dashboard mode.
type MonitorModel struct {
	vitalsEvent           *events.ChannelEvent[Vitals]
	plethEvent            *events.ChannelEvent[[]uint8]
	connectionEvent       *events.ChannelEvent[pulseox.ConnectionState]
	batteryEvent          *events.ChannelEvent[int]
	logEvent              *events.ChannelEvent[string]
	closeApplicationEvent *events.ChannelEvent[struct{}]

	mu         sync.RWMutex
	vitals     Vitals
	pleth      []uint8
	connection pulseox.ConnectionState
	battery    int

	logMu    sync.RWMutex
	logLines []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

var _ pulseox.ReadingSink = (*MonitorModel)(nil)

func NewMonitorModel(logger *log.Logger, uiLogChan <-chan string) *MonitorModel {
	if logger == nil {
		panic("MonitorModel: logger cannot be nil")
	}
	if uiLogChan == nil {
		panic("MonitorModel: uiLogChan cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &MonitorModel{
		vitalsEvent:           events.NewChannelEvent[Vitals](true),
		plethEvent:            events.NewChannelEvent[[]uint8](true),
		connectionEvent:       events.NewChannelEvent[pulseox.ConnectionState](true),
		batteryEvent:          events.NewChannelEvent[int](true),
		logEvent:              events.NewChannelEvent[string](false),
		closeApplicationEvent: events.NewChannelEvent[struct{}](true),
		battery:               -1,
		pleth:                 make([]uint8, 0, plethHistorySize),
		logLines:              make([]string, 0, maxLogLines),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                logger,
	}

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() { m.readFromLogChannel(ctx, uiLogChan) })

	return m
}

// Bind subscribes the model to the supervisor's state and battery events
// so views track the connection lifecycle.
func (m *MonitorModel) Bind(sup *pulseox.Supervisor) {
	stateChan := make(chan pulseox.ConnectionState, 8)
	stateUnregister := sup.ListenToState(stateChan)
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		defer stateUnregister()
		for {
			select {
			case <-m.ctx.Done():
				return
			case state := <-stateChan:
				m.mu.Lock()
				m.connection = state
				m.mu.Unlock()
				m.connectionEvent.Notify(state)
			}
		}
	})

	batteryChan := make(chan int, 4)
	batteryUnregister := sup.ListenToBattery(batteryChan)
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		defer batteryUnregister()
		for {
			select {
			case <-m.ctx.Done():
				return
			case level := <-batteryChan:
				m.mu.Lock()
				m.battery = level
				m.mu.Unlock()
				m.batteryEvent.Notify(level)
			}
		}
	})
}

// Accept folds a decoded reading into the model. Sentinel vitals are
// kept, flagged invalid, so the dashboard can show the searching state
// instead of a stale number.
func (m *MonitorModel) Accept(r pulseox.Reading) {
	if r.HasPleth {
		m.mu.Lock()
		m.pleth = append(m.pleth, r.Pleth)
		if len(m.pleth) > plethHistorySize {
			m.pleth = m.pleth[len(m.pleth)-plethHistorySize:]
		}
		snapshot := make([]uint8, len(m.pleth))
		copy(snapshot, m.pleth)
		m.mu.Unlock()
		m.plethEvent.Notify(snapshot)
	}

	if r.HasVitals {
		vitals := Vitals{
			SpO2:           r.SpO2,
			PulseRate:      r.PulseRate,
			PerfusionIndex: r.PerfusionIndex,
			Valid:          r.SpO2Valid() && r.PulseValid() && !r.Searching(),
		}
		m.mu.Lock()
		m.vitals = vitals
		m.mu.Unlock()
		m.vitalsEvent.Notify(vitals)
	}
}

// Shutdown stops all goroutines and waits for them to finish
func (m *MonitorModel) Shutdown() {
	m.logger.Println("MonitorModel: Shutting down")
	m.cancel()
	m.wg.Wait()
	m.logger.Println("MonitorModel: Shutdown complete")
}

func (m *MonitorModel) GetVitals() Vitals {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vitals
}

// GetPlethHistory returns a copy of the recent waveform samples, oldest
// first.
func (m *MonitorModel) GetPlethHistory() []uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]uint8, len(m.pleth))
	copy(result, m.pleth)
	return result
}

func (m *MonitorModel) GetConnectionState() pulseox.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connection
}

// GetBattery returns the last reported battery percentage, or -1 when
// none has been reported.
func (m *MonitorModel) GetBattery() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.battery
}

func (m *MonitorModel) ListenToVitals(ch chan<- Vitals) func() {
	return m.vitalsEvent.Listen(ch)
}

func (m *MonitorModel) ListenToPleth(ch chan<- []uint8) func() {
	return m.plethEvent.Listen(ch)
}

func (m *MonitorModel) ListenToConnectionState(ch chan<- pulseox.ConnectionState) func() {
	return m.connectionEvent.Listen(ch)
}

func (m *MonitorModel) ListenToBattery(ch chan<- int) func() {
	return m.batteryEvent.Listen(ch)
}

func (m *MonitorModel) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

// ListenToCloseApplication registers a channel to receive close application signals
// Returns a deregistration function that can be called to remove the listener
func (m *MonitorModel) ListenToCloseApplication(ch chan<- struct{}) func() {
	return m.closeApplicationEvent.Listen(ch)
}

// RequestCloseApplication signals that the application should close
func (m *MonitorModel) RequestCloseApplication() {
	m.closeApplicationEvent.Notify(struct{}{})
}

// readFromLogChannel reads log lines from the channel and populates logLines
func (m *MonitorModel) readFromLogChannel(ctx context.Context, logChan <-chan string) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}

			m.logMu.Lock()
			m.logLines = append(m.logLines, line)
			if len(m.logLines) > maxLogLines {
				m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
			}
			m.logMu.Unlock()

			m.logEvent.Notify(line)
		}
	}
}

// GetLogTail returns the last n lines of logs
func (m *MonitorModel) GetLogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n >= len(m.logLines) {
		result := make([]string, len(m.logLines))
		copy(result, m.logLines)
		return result
	}
	result := make([]string, n)
	copy(result, m.logLines[len(m.logLines)-n:])
	return result
}
