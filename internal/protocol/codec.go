package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPayload reports a wire payload that is not a whole number of samples.
var ErrMalformedPayload = errors.New("malformed audio payload")

// EncodeSamples lays samples out as little-endian float32, the same bytes a
// browser produces when a Float32Array is sent on a websocket.
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// DecodeSamples is the inverse of EncodeSamples.
func DecodeSamples(payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(payload))
	}
	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return samples, nil
}

// DecodePCM16 converts signed 16-bit little-endian PCM to float32 in [-1, 1).
func DecodePCM16(payload []byte) ([]float32, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("%w: pcm payload not aligned", ErrMalformedPayload)
	}
	samples := make([]float32, len(payload)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(payload[i*2:]))) / 32768
	}
	return samples, nil
}

// EncodePCM16 clamps samples to [-1, 1] and converts them to 16-bit PCM.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ToInt16(s)))
	}
	return out
}

// ToInt16 converts one float sample to 16-bit PCM.
func ToInt16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	}
	return int16(s * 32767)
}
