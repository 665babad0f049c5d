// Package monitor renders the decoded oximeter stream: either a tview
// dashboard with a live waveform, or plain CSV rows for piping into
// other tools.
package monitor

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tessvall/oximon/internal/pulseox"
)

// CSVSink writes one "time,spo2,heartrate" row per vitals reading.
// Pleth samples, sentinel values and searching readings are skipped so
// the output only contains measurements worth charting.
type CSVSink struct {
	logger *log.Logger
	now    func() time.Time

	mu        sync.Mutex
	w         io.Writer
	headerErr error
}

func NewCSVSink(w io.Writer, logger *log.Logger) *CSVSink {
	if w == nil {
		panic("CSVSink: writer cannot be nil")
	}
	if logger == nil {
		panic("CSVSink: logger cannot be nil")
	}
	s := &CSVSink{w: w, logger: logger, now: time.Now}
	if _, err := fmt.Fprintln(w, "time,spo2,heartrate"); err != nil {
		s.headerErr = err
		logger.Printf("CSVSink: error writing header: %v", err)
	}
	return s
}

func (s *CSVSink) Accept(r pulseox.Reading) {
	if !r.HasVitals {
		return
	}
	if r.Searching() || !r.SpO2Valid() || !r.PulseValid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s,%d,%d\n", s.now().Format(time.RFC3339), r.SpO2, r.PulseRate)
	if err != nil {
		s.logger.Printf("CSVSink: error writing row: %v", err)
	}
}
