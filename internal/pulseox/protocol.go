// Package pulseox implements the core of the oximeter monitor: the frame
// decoder for the device's notification protocol, the session that owns
// one live BLE link, and the supervisor that rebuilds sessions forever.
package pulseox

// GATT identifiers for the device. The oximeter streams its proprietary
// frames over the Nordic UART service RX characteristic.
const (
	UARTServiceUUID          = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	StreamCharacteristicUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	BatteryServiceUUID             = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelCharacteristicUUID = "00002a19-0000-1000-8000-00805f9b34fb"
)

// Wire framing, captured from device notification traffic. Every frame is
//
//	AA 55 <type> <len> <payload ... checksum>
//
// where <len> counts the bytes that follow it and the final payload byte
// is the modulo-256 sum of type, length and the preceding payload bytes.
//
// Vitals frame (type 0x0F, len 0x08):
//
//	AA 55 0F 08 01 <spo2> <pulse> <piLo> <piHi> <rsv> <rsv> <cs>
//
// Wave frame (type 0xF0, len 0x03):
//
//	AA 55 F0 03 01 <pleth> <cs>
const (
	frameMarker0 = 0xAA
	frameMarker1 = 0x55

	frameTypeVitals = 0x0F
	frameTypeWave   = 0xF0

	frameSubtype = 0x01

	vitalsPayloadLen = 0x08
	wavePayloadLen   = 0x03

	frameHeaderLen = 4 // two marker bytes, type, length

	maxFrameLen = frameHeaderLen + vitalsPayloadLen
)

// Values the firmware reports while searching for a finger or without a
// usable signal. They decode successfully and are filtered at the sink.
const (
	SpO2Invalid  = 127
	PulseInvalid = 255
)

// Reading is one decoded record from the notification stream. Vitals
// frames carry SpO2, pulse rate and perfusion index; wave frames carry a
// single plethysmograph sample. A Reading is never mutated after the
// decoder returns it.
type Reading struct {
	SpO2           uint8
	PulseRate      uint8
	PerfusionIndex float64 // percent
	Pleth          uint8

	HasVitals bool
	HasPleth  bool
}

// SpO2Valid reports whether SpO2 is a physiological reading rather than a
// searching sentinel.
func (r Reading) SpO2Valid() bool {
	return r.HasVitals && r.SpO2 >= 1 && r.SpO2 <= 100
}

// PulseValid reports whether the pulse rate is a physiological reading
// rather than a searching sentinel.
func (r Reading) PulseValid() bool {
	return r.HasVitals && r.PulseRate >= 1 && r.PulseRate < PulseInvalid
}

// Searching reports a vitals reading in which the device has no usable
// signal yet (no finger, or still locking on).
func (r Reading) Searching() bool {
	return r.HasVitals && !r.SpO2Valid() && !r.PulseValid()
}

func payloadLenForType(typ byte) (int, bool) {
	switch typ {
	case frameTypeVitals:
		return vitalsPayloadLen, true
	case frameTypeWave:
		return wavePayloadLen, true
	default:
		return 0, false
	}
}

// frameChecksum sums type, length and payload bytes, excluding the
// trailing checksum byte itself.
func frameChecksum(frame []byte) byte {
	var sum byte
	for _, b := range frame[2 : len(frame)-1] {
		sum += b
	}
	return sum
}

// appendVitalsFrame appends a well-formed vitals frame to dst. Used by the
// mock device and by tests; the real device is the only other producer.
func appendVitalsFrame(dst []byte, spo2, pulse uint8, pi uint16) []byte {
	frame := []byte{
		frameMarker0, frameMarker1, frameTypeVitals, vitalsPayloadLen,
		frameSubtype, spo2, pulse, byte(pi), byte(pi >> 8), 0x00, 0x00, 0x00,
	}
	frame[len(frame)-1] = frameChecksum(frame)
	return append(dst, frame...)
}

// appendWaveFrame appends a well-formed wave frame to dst.
func appendWaveFrame(dst []byte, pleth uint8) []byte {
	frame := []byte{
		frameMarker0, frameMarker1, frameTypeWave, wavePayloadLen,
		frameSubtype, pleth, 0x00,
	}
	frame[len(frame)-1] = frameChecksum(frame)
	return append(dst, frame...)
}
