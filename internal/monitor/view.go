package monitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/tessvall/oximon/internal/go_func_utils"
	"github.com/tessvall/oximon/internal/pulseox"
)

// plethBars maps waveform amplitude to a glyph, lowest to highest.
var plethBars = []rune("▁▂▃▄▅▆▇█")

// DashboardView renders the monitor model with tview: vitals and
// connection status on the left, the live waveform below them and the
// log tail on the right.
type DashboardView struct {
	logger *log.Logger
	app    *tview.Application
	model  *MonitorModel

	vitalsPanel   *tview.TextView
	statusPanel   *tview.TextView
	waveformPanel *tview.TextView
	logView       *tview.TextView
	mainFlex      *tview.Flex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDashboardView(logger *log.Logger, app *tview.Application, model *MonitorModel) *DashboardView {
	if logger == nil {
		panic("DashboardView: logger cannot be nil")
	}
	if app == nil {
		panic("DashboardView: app cannot be nil")
	}
	if model == nil {
		panic("DashboardView: model cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	ui := &DashboardView{
		logger: logger,
		app:    app,
		model:  model,
		ctx:    ctx,
		cancel: cancel,
	}
	ui.initWidgets()
	ui.setupKeyboardHandlers()
	ui.setupEventListeners()
	return ui
}

func (ui *DashboardView) initWidgets() {
	// Note: Don't use SetChangedFunc with app.Draw() - it can cause hangs
	// during shutdown when the app has been stopped but log messages are
	// still being written. The event listeners already call Draw() after
	// updating content.
	ui.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	ui.logView.SetBorder(true).SetTitle(" Logs ")

	ui.vitalsPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	ui.vitalsPanel.SetBorder(true).SetTitle(" Vitals ")
	ui.updateVitalsDisplay(ui.model.GetVitals())

	ui.statusPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	ui.statusPanel.SetBorder(true).SetTitle(" Connection ")
	ui.updateStatusDisplay()

	ui.waveformPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	ui.waveformPanel.SetBorder(true).SetTitle(" Pleth ")
	ui.updateWaveformDisplay(ui.model.GetPlethHistory())

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.vitalsPanel, 0, 3, false).
		AddItem(ui.statusPanel, 4, 0, false).
		AddItem(ui.waveformPanel, 5, 0, false)

	ui.mainFlex = tview.NewFlex().
		AddItem(leftColumn, 0, 1, true).
		AddItem(ui.logView, 0, 1, false)
}

func (ui *DashboardView) setupKeyboardHandlers() {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			ui.model.RequestCloseApplication()
			return nil
		}
		if event.Key() == tcell.KeyRune && event.Rune() == 'q' {
			ui.model.RequestCloseApplication()
			return nil
		}
		return event
	})
}

func (ui *DashboardView) setupEventListeners() {
	vitalsChan := make(chan Vitals, 1)
	vitalsUnregister := ui.model.ListenToVitals(vitalsChan)
	ui.wg.Add(1)
	go_func_utils.SafeGo(ui.logger, func() {
		defer ui.wg.Done()
		defer vitalsUnregister()
		for {
			select {
			case <-ui.ctx.Done():
				return
			case vitals := <-vitalsChan:
				ui.updateVitalsDisplay(vitals)
				ui.app.Draw()
			}
		}
	})

	plethChan := make(chan []uint8, 1)
	plethUnregister := ui.model.ListenToPleth(plethChan)
	ui.wg.Add(1)
	go_func_utils.SafeGo(ui.logger, func() {
		defer ui.wg.Done()
		defer plethUnregister()
		for {
			select {
			case <-ui.ctx.Done():
				return
			case history := <-plethChan:
				ui.updateWaveformDisplay(history)
				ui.app.Draw()
			}
		}
	})

	connectionChan := make(chan pulseox.ConnectionState, 1)
	connectionUnregister := ui.model.ListenToConnectionState(connectionChan)
	ui.wg.Add(1)
	go_func_utils.SafeGo(ui.logger, func() {
		defer ui.wg.Done()
		defer connectionUnregister()
		for {
			select {
			case <-ui.ctx.Done():
				return
			case <-connectionChan:
				ui.updateStatusDisplay()
				ui.app.Draw()
			}
		}
	})

	batteryChan := make(chan int, 1)
	batteryUnregister := ui.model.ListenToBattery(batteryChan)
	ui.wg.Add(1)
	go_func_utils.SafeGo(ui.logger, func() {
		defer ui.wg.Done()
		defer batteryUnregister()
		for {
			select {
			case <-ui.ctx.Done():
				return
			case <-batteryChan:
				ui.updateStatusDisplay()
				ui.app.Draw()
			}
		}
	})

	logChan := make(chan string, 1)
	logUnregister := ui.model.ListenToLog(logChan)
	ui.wg.Add(1)
	go_func_utils.SafeGo(ui.logger, func() {
		defer ui.wg.Done()
		defer logUnregister()
		for {
			select {
			case <-ui.ctx.Done():
				return
			case _, ok := <-logChan:
				if !ok {
					return
				}
				ui.updateLogDisplay()
				ui.app.Draw()
			}
		}
	})

	// Track log pane resizes so the tail always fills the visible area.
	ui.wg.Add(1)
	go_func_utils.SafeGo(ui.logger, func() {
		defer ui.wg.Done()
		ui.monitorLogResize()
	})

	closeChan := make(chan struct{}, 1)
	closeUnregister := ui.model.ListenToCloseApplication(closeChan)
	ui.wg.Add(1)
	go_func_utils.SafeGo(ui.logger, func() {
		defer ui.wg.Done()
		defer closeUnregister()
		select {
		case <-ui.ctx.Done():
			return
		case <-closeChan:
			ui.app.Stop()
		}
	})
}

// updateVitalsDisplay formats and displays the latest vitals
func (ui *DashboardView) updateVitalsDisplay(vitals Vitals) {
	var text string
	if !vitals.Valid {
		text = "\n\n  [yellow]Searching...[white]\n\n"
		text += "  Put a finger in the sensor and hold still\n"
		text += "  until the values settle.\n"
	} else {
		text = "\n"
		text += fmt.Sprintf("  [red]♥[white] Pulse:  [yellow]%d[white] bpm\n\n", vitals.PulseRate)
		text += fmt.Sprintf("  [blue]O₂[white] SpO2:   [yellow]%d[white] %%\n\n", vitals.SpO2)
		text += fmt.Sprintf("  [green]~[white] PI:     [yellow]%.1f[white] %%\n", vitals.PerfusionIndex)
	}
	ui.vitalsPanel.SetText(text)
}

// updateStatusDisplay formats and displays the connection state and battery
func (ui *DashboardView) updateStatusDisplay() {
	state := ui.model.GetConnectionState()
	battery := ui.model.GetBattery()

	var marker string
	switch state {
	case pulseox.StateStreaming:
		marker = "[green]●[white]"
	case pulseox.StateFailed:
		marker = "[red]●[white]"
	default:
		marker = "[yellow]●[white]"
	}

	text := fmt.Sprintf(" %s %s", marker, state)
	if battery >= 0 {
		text += fmt.Sprintf("\n [gray]Battery:[white] %d%%", battery)
	}
	ui.statusPanel.SetText(text)
}

// updateWaveformDisplay renders the pleth history as a single line of
// bar glyphs, newest sample on the right.
func (ui *DashboardView) updateWaveformDisplay(history []uint8) {
	_, _, width, _ := ui.waveformPanel.GetInnerRect()
	if width <= 0 {
		width = 80
	}
	ui.waveformPanel.SetText("\n [green]" + renderPlethLine(history, width) + "[white]")
}

// renderPlethLine maps the newest width samples onto bar glyphs, scaled
// to the observed amplitude so a shallow waveform still spans the full
// glyph range. A flat line renders as the lowest glyph.
func renderPlethLine(history []uint8, width int) string {
	if len(history) > width {
		history = history[len(history)-width:]
	}
	if len(history) == 0 {
		return ""
	}

	lo, hi := history[0], history[0]
	for _, sample := range history {
		if sample < lo {
			lo = sample
		}
		if sample > hi {
			hi = sample
		}
	}
	span := int(hi) - int(lo)

	var b strings.Builder
	for _, sample := range history {
		idx := 0
		if span > 0 {
			idx = (int(sample) - int(lo)) * (len(plethBars) - 1) / span
		}
		b.WriteRune(plethBars[idx])
	}
	return b.String()
}

// updateLogDisplay fills the log view with the tail that fits
func (ui *DashboardView) updateLogDisplay() {
	_, _, _, height := ui.logView.GetInnerRect()
	if height <= 0 {
		return
	}
	lines := ui.model.GetLogTail(height)
	ui.logView.Clear()
	for _, line := range lines {
		fmt.Fprint(ui.logView, tview.Escape(line))
	}
}

func (ui *DashboardView) monitorLogResize() {
	var lastHeight int
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ui.ctx.Done():
			return
		case <-ticker.C:
			_, _, _, height := ui.logView.GetInnerRect()
			if height != lastHeight && height > 0 {
				lastHeight = height
				ui.updateLogDisplay()
				ui.app.Draw()
			}
		}
	}
}

// Run starts the UI and blocks until it exits
func (ui *DashboardView) Run() error {
	ui.app.SetRoot(ui.mainFlex, true)
	return ui.app.Run()
}

// Stop stops the UI framework
func (ui *DashboardView) Stop() {
	ui.app.Stop()
}

// Shutdown stops all goroutines and waits for them to finish
func (ui *DashboardView) Shutdown() {
	ui.logger.Println("DashboardView: Shutting down")
	ui.cancel()
	ui.wg.Wait()
	ui.logger.Println("DashboardView: Shutdown complete")
}
