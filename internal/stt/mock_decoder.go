package stt

import (
	"fmt"
	"math"

	"github.com/loqalabs/loqa-asr/internal/grammar"
)

// mockDecoder reports one hypothesis per utterance once voiced audio has been
// seen. It needs no model files and is deterministic for tests.
type mockDecoder struct {
	grammar    *grammar.Grammar
	gate       *energyGate
	started    bool
	utterances int
	voiced     int
	levelSum   float64
	closed     bool
}

func NewMockDecoder(g *grammar.Grammar, opts Options) Decoder {
	return &mockDecoder{grammar: g, gate: newEnergyGate(opts)}
}

func (m *mockDecoder) StartUtterance() error {
	if m.closed {
		return fmt.Errorf("start utterance: %w", ErrUnrecoverable)
	}
	if m.started {
		return fmt.Errorf("utterance already started")
	}
	m.started = true
	m.utterances++
	m.voiced = 0
	m.levelSum = 0
	m.gate.reset()
	return nil
}

func (m *mockDecoder) ProcessRaw(samples []int16) (Result, error) {
	if m.closed {
		return Result{}, fmt.Errorf("process raw: %w", ErrUnrecoverable)
	}
	if !m.started {
		return Result{}, fmt.Errorf("process raw: no utterance started")
	}
	m.gate.process(samples, func(voiced bool, level float64) {
		if voiced {
			m.voiced++
			m.levelSum += level
		}
	})
	return m.result(), nil
}

func (m *mockDecoder) EndUtterance() (Result, error) {
	if !m.started {
		return Result{}, fmt.Errorf("end utterance: no utterance started")
	}
	res := m.result()
	res.InSpeech = false
	m.started = false
	return res, nil
}

func (m *mockDecoder) Close() error {
	m.closed = true
	m.started = false
	return nil
}

func (m *mockDecoder) result() Result {
	res := Result{InSpeech: m.gate.inSpeech}
	if m.voiced == 0 {
		return res
	}
	res.Text = fmt.Sprintf("[%s utterance %d]", m.grammar.Name(), m.utterances)
	res.Score = int32(math.Round(m.levelSum / float64(m.voiced) * 100))
	return res
}
