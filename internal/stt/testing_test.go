package stt

import "math"

func tone(n int, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func silence(n int) []int16 { return make([]int16, n) }
