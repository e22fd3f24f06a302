package stt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-asr/internal/grammar"
)

type EventKind string

const (
	EventHypothesis EventKind = "hypothesis"
	EventSpeech     EventKind = "speech"
	EventSilence    EventKind = "silence"
	EventError      EventKind = "error"
)

// Hypothesis is a recognized phrase. It always carries the id of the session
// whose audio produced it.
type Hypothesis struct {
	SessionID string
	Text      string
	Score     int32
	Final     bool
}

// Event is what the adapter reports through its Listener.
type Event struct {
	Kind       EventKind
	Hypothesis Hypothesis
	Err        error
	Fatal      bool
}

// Listener receives adapter events on the goroutine that made the call.
type Listener func(Event)

// AdapterConfig carries the per-session engine settings.
type AdapterConfig struct {
	SessionID        string
	Factory          Factory
	Options          Options
	SilenceDetection bool
}

// Adapter owns one decoder for one session and turns its polled results into
// events. Feed, Restart and Stop are serialized.
type Adapter struct {
	cfg  AdapterConfig
	emit Listener

	mu       sync.Mutex
	decoder  Decoder
	grammar  *grammar.Grammar
	lastHyp  string
	inSpeech bool
	released bool
}

func NewAdapter(cfg AdapterConfig, emit Listener) *Adapter {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Adapter{cfg: cfg, emit: emit}
}

// Start allocates the decoder, binds g and opens the first utterance.
func (a *Adapter) Start(g *grammar.Grammar) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released {
		return ErrStopped
	}
	if a.decoder != nil {
		return fmt.Errorf("%w: decoder already allocated", ErrEngineInit)
	}
	if g == nil {
		return fmt.Errorf("%w: no grammar", ErrEngineInit)
	}
	dec, err := a.cfg.Factory(g, a.cfg.Options)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineInit, err)
	}
	if err := dec.StartUtterance(); err != nil {
		_ = dec.Close()
		return fmt.Errorf("%w: start utterance: %w", ErrEngineInit, err)
	}
	a.decoder = dec
	a.grammar = g
	return nil
}

// Grammar returns the grammar bound at Start.
func (a *Adapter) Grammar() *grammar.Grammar {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grammar
}

// Feed hands samples to the decoder. Hypotheses and errors arrive through the
// listener before Feed returns.
func (a *Adapter) Feed(samples []int16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.decoder == nil {
		return ErrStopped
	}
	if len(samples) == 0 {
		return nil
	}
	res, err := a.decoder.ProcessRaw(samples)
	if err != nil {
		a.emitError(err)
		return nil
	}
	a.observe(res)
	return nil
}

// Restart drops the in-flight utterance and opens a new one on the same
// decoder and grammar.
func (a *Adapter) Restart() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.decoder == nil {
		return ErrStopped
	}
	if _, err := a.decoder.EndUtterance(); err != nil {
		a.emitError(err)
		if errors.Is(err, ErrUnrecoverable) {
			return fmt.Errorf("%w: %w", ErrEngineRuntime, err)
		}
	}
	a.lastHyp = ""
	a.inSpeech = false
	if err := a.decoder.StartUtterance(); err != nil {
		a.emitError(err)
		return fmt.Errorf("%w: %w", ErrEngineRuntime, err)
	}
	return nil
}

// Stop ends the utterance, reports its final hypothesis and releases the
// decoder. Only the first call does anything.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released {
		return nil
	}
	a.released = true
	if a.decoder == nil {
		return nil
	}
	dec := a.decoder
	a.decoder = nil

	res, err := dec.EndUtterance()
	if err != nil {
		a.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %w", ErrEngineRuntime, err)})
	} else if res.Text != "" {
		a.emit(Event{Kind: EventHypothesis, Hypothesis: a.hypothesis(res, true)})
	}
	if err := dec.Close(); err != nil {
		return fmt.Errorf("close decoder: %w", err)
	}
	return nil
}

// Released reports whether Stop has run.
func (a *Adapter) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

func (a *Adapter) observe(res Result) {
	if res.InSpeech && !a.inSpeech {
		a.inSpeech = true
		a.emit(Event{Kind: EventSpeech})
	}

	if res.Text != "" && res.Text != a.lastHyp {
		a.lastHyp = res.Text
		a.emit(Event{Kind: EventHypothesis, Hypothesis: a.hypothesis(res, false)})
	}

	if !res.InSpeech && a.inSpeech {
		a.inSpeech = false
		a.emit(Event{Kind: EventSilence})
		if a.cfg.SilenceDetection {
			a.endUtterance()
		}
	}
}

// endUtterance closes the current utterance at a speech→silence boundary,
// reports it as final and opens the next one.
func (a *Adapter) endUtterance() {
	res, err := a.decoder.EndUtterance()
	if err != nil {
		a.emitError(err)
		return
	}
	if res.Text != "" {
		a.emit(Event{Kind: EventHypothesis, Hypothesis: a.hypothesis(res, true)})
	}
	a.lastHyp = ""
	if err := a.decoder.StartUtterance(); err != nil {
		a.emitError(err)
	}
}

func (a *Adapter) hypothesis(res Result, final bool) Hypothesis {
	return Hypothesis{SessionID: a.cfg.SessionID, Text: res.Text, Score: res.Score, Final: final}
}

func (a *Adapter) emitError(err error) {
	a.emit(Event{
		Kind:  EventError,
		Err:   fmt.Errorf("%w: %w", ErrEngineRuntime, err),
		Fatal: errors.Is(err, ErrUnrecoverable),
	})
}
