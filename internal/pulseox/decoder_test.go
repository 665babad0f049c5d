package pulseox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SingleVitalsFrame(t *testing.T) {
	frame := appendVitalsFrame(nil, 98, 72, 5600)

	rest, readings := Decode(nil, frame)

	assert.Empty(t, rest)
	require.Len(t, readings, 1)
	r := readings[0]
	assert.True(t, r.HasVitals)
	assert.False(t, r.HasPleth)
	assert.Equal(t, uint8(98), r.SpO2)
	assert.Equal(t, uint8(72), r.PulseRate)
	assert.InDelta(t, 5.6, r.PerfusionIndex, 1e-9)
	assert.True(t, r.SpO2Valid())
	assert.True(t, r.PulseValid())
}

func TestDecode_SingleWaveFrame(t *testing.T) {
	frame := appendWaveFrame(nil, 42)

	rest, readings := Decode(nil, frame)

	assert.Empty(t, rest)
	require.Len(t, readings, 1)
	assert.True(t, readings[0].HasPleth)
	assert.False(t, readings[0].HasVitals)
	assert.Equal(t, uint8(42), readings[0].Pleth)
}

func TestDecode_GarbageBeforeFrame(t *testing.T) {
	stream := []byte{0x00, 0x13, 0x37, 0xAA, 0xAA, 0x55} // noise, stray markers
	stream = appendVitalsFrame(stream, 97, 80, 1000)

	rest, readings := Decode(nil, stream)

	assert.Empty(t, rest)
	require.Len(t, readings, 1)
	assert.Equal(t, uint8(97), readings[0].SpO2)
}

// Splitting a valid stream at any byte boundary must decode identically to
// delivering it whole.
func TestDecode_SplitAtEveryBoundary(t *testing.T) {
	var stream []byte
	stream = appendWaveFrame(stream, 10)
	stream = appendVitalsFrame(stream, 95, 66, 2500)
	stream = appendWaveFrame(stream, 20)

	for cut := 0; cut <= len(stream); cut++ {
		var buf []byte
		var readings []Reading

		buf, readings = Decode(buf, stream[:cut])
		buf, more := Decode(buf, stream[cut:])
		readings = append(readings, more...)

		require.Len(t, readings, 3, "cut at %d", cut)
		assert.Equal(t, uint8(10), readings[0].Pleth, "cut at %d", cut)
		assert.Equal(t, uint8(95), readings[1].SpO2, "cut at %d", cut)
		assert.Equal(t, uint8(20), readings[2].Pleth, "cut at %d", cut)
		assert.Empty(t, buf, "cut at %d", cut)
	}
}

// The worked example: garbage, then frame A, then frame B missing its last
// byte. A is emitted, B's prefix stays buffered and completes next call.
func TestDecode_PartialTrailingFrame(t *testing.T) {
	stream := []byte{0xDE, 0xAD}
	stream = appendVitalsFrame(stream, 98, 70, 3000) // frame A
	var frameB []byte
	frameB = appendVitalsFrame(frameB, 99, 71, 3100)
	stream = append(stream, frameB[:len(frameB)-1]...)

	buf, readings := Decode(nil, stream)
	require.Len(t, readings, 1)
	assert.Equal(t, uint8(98), readings[0].SpO2)
	assert.Equal(t, frameB[:len(frameB)-1], buf)

	buf, readings = Decode(buf, frameB[len(frameB)-1:])
	require.Len(t, readings, 1)
	assert.Equal(t, uint8(99), readings[0].SpO2)
	assert.Empty(t, buf)
}

func TestDecode_ChecksumFailureDropsOnlyMarkerByte(t *testing.T) {
	var good []byte
	good = appendVitalsFrame(good, 96, 64, 2000)

	bad := appendVitalsFrame(nil, 98, 70, 3000)
	bad[5] ^= 0xFF // corrupt SpO2 so the checksum fails

	stream := append(bad, good...)

	rest, readings := Decode(nil, stream)

	assert.Empty(t, rest)
	require.Len(t, readings, 1)
	assert.Equal(t, uint8(96), readings[0].SpO2)
}

// A valid frame whose bytes happen to sit inside a corrupted one must
// still be found, because resynchronization discards one byte at a time.
func TestDecode_FrameOverlappingCorruptHeader(t *testing.T) {
	var inner []byte
	inner = appendWaveFrame(inner, 33)

	// A marker pair directly before a real frame: the phantom frame
	// candidate fails validation, and scanning resumes one byte later.
	stream := append([]byte{frameMarker0, frameMarker1}, inner...)

	rest, readings := Decode(nil, stream)

	assert.Empty(t, rest)
	require.Len(t, readings, 1)
	assert.Equal(t, uint8(33), readings[0].Pleth)
}

func TestDecode_AllGarbageProducesNothingAndStaysBounded(t *testing.T) {
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte(i * 7) // includes plenty of 0xAA bytes
	}

	var buf []byte
	var total int
	for i := 0; i < len(garbage); i += 20 {
		end := i + 20
		if end > len(garbage) {
			end = len(garbage)
		}
		var readings []Reading
		buf, readings = Decode(buf, garbage[i:end])
		total += len(readings)
		assert.LessOrEqual(t, len(buf), maxFrameLen)
	}
	assert.Zero(t, total)
}

func TestDecode_SentinelValuesPassThrough(t *testing.T) {
	var stream []byte
	stream = appendVitalsFrame(stream, SpO2Invalid, PulseInvalid, 0)
	stream = appendVitalsFrame(stream, 0, 0, 0)

	rest, readings := Decode(nil, stream)

	assert.Empty(t, rest)
	require.Len(t, readings, 2)
	for _, r := range readings {
		assert.True(t, r.HasVitals)
		assert.False(t, r.SpO2Valid())
		assert.False(t, r.PulseValid())
		assert.True(t, r.Searching())
	}
}

func TestDecode_UnknownSubtypeSkippedSilently(t *testing.T) {
	frame := appendWaveFrame(nil, 42)
	frame[4] = 0x02 // unknown subtype
	frame[len(frame)-1] = frameChecksum(frame)

	var good []byte
	good = appendWaveFrame(good, 7)

	rest, readings := Decode(nil, append(frame, good...))

	assert.Empty(t, rest)
	require.Len(t, readings, 1)
	assert.Equal(t, uint8(7), readings[0].Pleth)
}

func TestDecode_OrderingWithinCall(t *testing.T) {
	var stream []byte
	for i := 0; i < 10; i++ {
		stream = appendWaveFrame(stream, uint8(i))
	}

	_, readings := Decode(nil, stream)

	require.Len(t, readings, 10)
	for i, r := range readings {
		assert.Equal(t, uint8(i), r.Pleth)
	}
}

func TestDecode_EmptyInputs(t *testing.T) {
	rest, readings := Decode(nil, nil)
	assert.Empty(t, rest)
	assert.Empty(t, readings)

	rest, readings = Decode([]byte{frameMarker0}, nil)
	assert.Equal(t, []byte{frameMarker0}, rest)
	assert.Empty(t, readings)
}
