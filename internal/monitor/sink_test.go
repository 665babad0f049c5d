package monitor

import (
	"bytes"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessvall/oximon/internal/pulseox"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestCSVSinkWritesHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	sink := NewCSVSink(&buf, testLogger())
	sink.now = func() time.Time {
		return time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)
	}

	sink.Accept(pulseox.Reading{SpO2: 97, PulseRate: 64, HasVitals: true})
	sink.Accept(pulseox.Reading{SpO2: 98, PulseRate: 65, HasVitals: true})

	want := "time,spo2,heartrate\n" +
		"2026-08-23T10:30:00Z,97,64\n" +
		"2026-08-23T10:30:00Z,98,65\n"
	assert.Equal(t, want, buf.String())
}

func TestCSVSinkSkipsNonMeasurements(t *testing.T) {
	var buf bytes.Buffer
	sink := NewCSVSink(&buf, testLogger())

	// Pleth-only reading
	sink.Accept(pulseox.Reading{Pleth: 42, HasPleth: true})
	// Sensor searching for a finger
	sink.Accept(pulseox.Reading{SpO2: 0, PulseRate: 0, HasVitals: true})
	// Sentinel values
	sink.Accept(pulseox.Reading{SpO2: pulseox.SpO2Invalid, PulseRate: 64, HasVitals: true})
	sink.Accept(pulseox.Reading{SpO2: 97, PulseRate: pulseox.PulseInvalid, HasVitals: true})

	assert.Equal(t, "time,spo2,heartrate\n", buf.String())
}

func TestCSVSinkValidAfterInvalid(t *testing.T) {
	var buf bytes.Buffer
	sink := NewCSVSink(&buf, testLogger())
	sink.now = func() time.Time {
		return time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)
	}

	sink.Accept(pulseox.Reading{SpO2: pulseox.SpO2Invalid, PulseRate: pulseox.PulseInvalid, HasVitals: true})
	sink.Accept(pulseox.Reading{SpO2: 96, PulseRate: 58, HasVitals: true})

	require.Contains(t, buf.String(), "2026-08-23T10:30:00Z,96,58\n")
	assert.NotContains(t, buf.String(), "127")
}
