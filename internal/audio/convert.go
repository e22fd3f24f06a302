package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput marks sample data that cannot be converted. The chunk is
// dropped by the caller; the session is unaffected.
var ErrInvalidInput = errors.New("invalid sample input")

// FullScale is the int16 magnitude that a float sample of 1.0 maps to.
const FullScale = math.MaxInt16

// Chunk is one delivery of float samples from a client connection.
type Chunk struct {
	Sequence uint64
	Samples  []float32
}

// Convert clamps each sample into [-1, 1] and rounds it to the nearest int16.
func Convert(samples []float32) ([]int16, error) {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: sample %d is %v", ErrInvalidInput, i, s)
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(math.Round(v * FullScale))
	}
	return out, nil
}

// DecodeFloat32LE unpacks little-endian IEEE-754 float32 samples as sent by
// browser AudioContext processors.
func DecodeFloat32LE(payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: payload of %d bytes is not float32 aligned", ErrInvalidInput, len(payload))
	}
	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return samples, nil
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE.
func EncodeFloat32LE(samples []float32) []byte {
	payload := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(s))
	}
	return payload
}
