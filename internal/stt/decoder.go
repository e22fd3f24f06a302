package stt

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/grammar"
)

var (
	// ErrEngineInit is returned when a decoder cannot be allocated or bound
	// to its grammar.
	ErrEngineInit = errors.New("engine init failed")
	// ErrEngineRuntime wraps failures reported while decoding.
	ErrEngineRuntime = errors.New("engine runtime error")
	// ErrUnrecoverable is wrapped by decoders whose instance can no longer be used.
	ErrUnrecoverable = errors.New("engine unrecoverable")
	// ErrStopped is returned by adapter calls after Stop.
	ErrStopped = errors.New("engine stopped")
)

// Result is the decoder state after a call, in the shape native engines
// report it: the current best hypothesis, its score and whether the last
// processed frame was inside speech.
type Result struct {
	Text     string
	Score    int32
	InSpeech bool
}

// Decoder is one native decoding engine instance. Calls are never made
// concurrently on the same Decoder.
type Decoder interface {
	StartUtterance() error
	ProcessRaw(samples []int16) (Result, error)
	EndUtterance() (Result, error)
	Close() error
}

// Factory allocates a decoder bound to a grammar.
type Factory func(g *grammar.Grammar, opts Options) (Decoder, error)

// NewFactory selects the decoder implementation named by cfg.Mode.
func NewFactory(cfg config.RecognizerConfig) (Factory, error) {
	switch cfg.Mode {
	case "mock", "":
		return func(g *grammar.Grammar, opts Options) (Decoder, error) {
			return NewMockDecoder(g, opts), nil
		}, nil
	case "exec":
		runner, err := newCommandRunner(cfg.Command)
		if err != nil {
			return nil, err
		}
		return func(g *grammar.Grammar, opts Options) (Decoder, error) {
			return newExecDecoder(runner, g, opts), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}
