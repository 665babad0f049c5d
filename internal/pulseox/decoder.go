package pulseox

import (
	"bytes"
	"encoding/binary"
)

// Decode appends chunk to the carried-over buffer buf, extracts every
// complete valid frame, and returns the unconsumed tail as the new buffer
// together with the decoded readings in wire order.
//
// All resynchronization state lives in the returned buffer, so resetting
// the decoder between sessions is just dropping the buffer. On a corrupt
// frame only the leading marker byte is discarded; a valid frame that
// overlaps the corruption is still found. The returned buffer is bounded:
// it is empty when it holds no marker, and otherwise never longer than one
// incomplete candidate frame.
func Decode(buf, chunk []byte) ([]byte, []Reading) {
	b := buf
	if len(chunk) > 0 {
		b = append(b, chunk...)
	}

	var readings []Reading
	for {
		i := bytes.IndexByte(b, frameMarker0)
		if i < 0 {
			return b[:0], readings
		}
		b = b[i:]
		if len(b) < 2 {
			return b, readings
		}
		if b[1] != frameMarker1 {
			b = b[1:]
			continue
		}
		if len(b) < frameHeaderLen {
			return b, readings
		}

		plen, ok := payloadLenForType(b[2])
		if !ok || int(b[3]) != plen {
			b = b[1:]
			continue
		}

		total := frameHeaderLen + plen
		if len(b) < total {
			return b, readings
		}

		frame := b[:total]
		if frameChecksum(frame) != frame[total-1] {
			b = b[1:]
			continue
		}

		if r, ok := parseFrame(frame); ok {
			readings = append(readings, r)
		}
		b = b[total:]
	}
}

// parseFrame decodes one structurally valid frame. An unknown subtype is
// skipped without a reading; the frame already passed its checksum so it
// is not corruption, just a record we do not understand.
func parseFrame(frame []byte) (Reading, bool) {
	if frame[4] != frameSubtype {
		return Reading{}, false
	}
	switch frame[2] {
	case frameTypeVitals:
		return Reading{
			SpO2:           frame[5],
			PulseRate:      frame[6],
			PerfusionIndex: float64(binary.LittleEndian.Uint16(frame[7:9])) / 1000,
			HasVitals:      true,
		}, true
	case frameTypeWave:
		return Reading{
			Pleth:    frame[5],
			HasPleth: true,
		}, true
	default:
		return Reading{}, false
	}
}
