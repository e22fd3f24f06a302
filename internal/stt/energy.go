package stt

import "math"

const (
	defaultSampleRate = 16000
	// frames are 10ms, the frame rate most engines decode at
	framesPerSecond = 100
	// -45 dBFS
	defaultSpeechThresholdDB = -45.0
	// trailing silent frames before speech is considered over
	defaultHangoverFrames = 30
)

// energyGate classifies fixed-size frames as voiced or silent by RMS level and
// tracks in-speech state with a hangover, standing in for the engine's own
// voice activity detection.
type energyGate struct {
	frame       int
	thresholdDB float64
	hangover    int

	carry     []int16
	silentRun int
	inSpeech  bool
}

func newEnergyGate(opts Options) *energyGate {
	rate := opts.Int("-samprate", defaultSampleRate)
	if rate <= 0 {
		rate = defaultSampleRate
	}
	frame := rate / framesPerSecond
	if frame <= 0 {
		frame = 1
	}
	return &energyGate{
		frame:       frame,
		thresholdDB: opts.Float("-vad_threshold_db", defaultSpeechThresholdDB),
		hangover:    opts.Int("-vad_postspeech", defaultHangoverFrames),
	}
}

// process consumes samples, calling onFrame for every complete frame. Partial
// frames are carried into the next call.
func (g *energyGate) process(samples []int16, onFrame func(voiced bool, levelDB float64)) {
	buf := samples
	if len(g.carry) > 0 {
		buf = append(g.carry, samples...)
		g.carry = nil
	}
	for len(buf) >= g.frame {
		level := levelDB(buf[:g.frame])
		voiced := level >= g.thresholdDB
		if voiced {
			g.silentRun = 0
			g.inSpeech = true
		} else if g.inSpeech {
			g.silentRun++
			if g.silentRun > g.hangover {
				g.inSpeech = false
			}
		}
		if onFrame != nil {
			onFrame(voiced, level)
		}
		buf = buf[g.frame:]
	}
	if len(buf) > 0 {
		g.carry = append([]int16(nil), buf...)
	}
}

func (g *energyGate) reset() {
	g.carry = nil
	g.silentRun = 0
	g.inSpeech = false
}

func levelDB(frame []int16) float64 {
	if len(frame) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
