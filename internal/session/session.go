// Package session owns the recognition lifecycle of each client connection:
// one buffer, one decoder and one worker per session, looked up by
// connection id.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/grammar"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/stt"
)

// Session is one connection's recognition lifecycle. The buffer is written
// only by the connection's inbound handler and read only by the session
// worker; the decoder is owned by the adapter and released by the worker.
type Session struct {
	id        string
	connID    string
	createdAt time.Time

	frameSamples  int
	drainInterval time.Duration

	log     *slog.Logger
	metrics *instruments
	emit    func(protocol.Event)

	mu          sync.Mutex
	state       State
	grammarName string

	buffer  *audio.RingBuffer
	adapter *stt.Adapter

	seqMu   sync.Mutex
	lastSeq uint64
	seenSeq bool

	wake        chan struct{}
	quit        chan struct{}
	done        chan struct{}
	started     bool
	flushOnStop atomic.Bool
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	State        State     `json:"state"`
	Grammar      string    `json:"grammar"`
	Buffered     int       `json:"buffered_samples"`
	Overflows    uint64    `json:"overflows"`
	CreatedAt    time.Time `json:"created_at"`
}

type sessionParams struct {
	connID           string
	frameSamples     int
	bufferSamples    int
	drainInterval    time.Duration
	factory          stt.Factory
	options          stt.Options
	silenceDetection bool
	log              *slog.Logger
	metrics          *instruments
	emit             func(*Session, protocol.Event)
}

func newSession(p sessionParams) *Session {
	s := &Session{
		id:            uuid.Must(uuid.NewV7()).String(),
		connID:        p.connID,
		createdAt:     time.Now().UTC(),
		frameSamples:  p.frameSamples,
		drainInterval: p.drainInterval,
		metrics:       p.metrics,
		state:         StateCreated,
		buffer:        audio.NewRingBuffer(p.bufferSamples),
		wake:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.log = p.log.With(slog.String("session_id", s.id), slog.String("connection_id", p.connID))
	s.emit = func(ev protocol.Event) { p.emit(s, ev) }
	s.adapter = stt.NewAdapter(stt.AdapterConfig{
		SessionID:        s.id,
		Factory:          p.factory,
		Options:          p.options,
		SilenceDetection: p.silenceDetection,
	}, s.handleEngineEvent)
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) ConnectionID() string { return s.connID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Grammar returns the grammar bound to the decoder, nil before start.
func (s *Session) Grammar() *grammar.Grammar { return s.adapter.Grammar() }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	state, name := s.state, s.grammarName
	s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		ConnectionID: s.connID,
		State:        state,
		Grammar:      name,
		Buffered:     s.buffer.Len(),
		Overflows:    s.buffer.Overflows(),
		CreatedAt:    s.createdAt,
	}
}

// start binds the grammar, allocates the decoder and launches the worker.
// On failure the session is stopped and the error is relayed once.
func (s *Session) start(g *grammar.Grammar) error {
	s.mu.Lock()
	s.grammarName = g.Name()
	s.mu.Unlock()

	if err := s.adapter.Start(g); err != nil {
		s.fail(protocol.ErrorEngineInit, err)
		return err
	}

	s.mu.Lock()
	next, err := Transition(s.state, EventStart)
	if err != nil {
		s.mu.Unlock()
		// stopped while the decoder was being allocated
		_ = s.adapter.Stop()
		return fmt.Errorf("start session: %w", err)
	}
	s.state = next
	s.started = true
	s.mu.Unlock()

	s.metrics.addActive(1)
	s.emit(protocol.Event{Type: protocol.EventReady, Grammar: g.Name()})
	go s.run()
	s.log.Info("session listening", slog.String("grammar", g.Name()))
	return nil
}

// fail moves a session that never started straight to stopped.
func (s *Session) fail(code protocol.ErrorCode, err error) {
	s.mu.Lock()
	next, terr := Transition(s.state, EventFail)
	s.state = next
	s.mu.Unlock()
	if errors.Is(terr, ErrTerminal) {
		return
	}
	close(s.quit)
	close(s.done)
	_ = s.adapter.Stop()
	s.log.Warn("session failed to start", slog.String("error", err.Error()))
	s.emit(errorEvent(code, err, true))
	s.emit(protocol.Event{Type: protocol.EventStopped})
}

// push converts and buffers one chunk. Chunks for a session that is not
// listening are discarded without any signal.
func (s *Session) push(chunk audio.Chunk) {
	switch s.State() {
	case StateListening, StateRestarting:
	default:
		return
	}

	s.trackSequence(chunk.Sequence)

	samples, err := audio.Convert(chunk.Samples)
	if err != nil {
		s.reject(fmt.Errorf("chunk %d: %w", chunk.Sequence, err))
		return
	}
	if dropped := s.buffer.Push(samples); dropped > 0 {
		s.metrics.count(s.metrics.overflows, s.grammarLabel())
		s.emit(errorEvent(protocol.ErrorOverflow,
			fmt.Errorf("buffer full: dropped %d oldest samples at chunk %d", dropped, chunk.Sequence), false))
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// reject signals a non-fatal invalid_input error. The session keeps listening.
func (s *Session) reject(err error) {
	switch s.State() {
	case StateListening, StateRestarting:
	default:
		return
	}
	s.metrics.count(s.metrics.invalidAudio, s.grammarLabel())
	s.emit(errorEvent(protocol.ErrorInvalidInput, err, false))
}

func (s *Session) trackSequence(seq uint64) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.seenSeq && seq <= s.lastSeq {
		s.metrics.count(s.metrics.reordered, s.grammarLabel())
		s.log.Warn("audio chunk out of order",
			slog.Uint64("sequence", seq),
			slog.Uint64("last_sequence", s.lastSeq))
		return
	}
	if s.seenSeq && seq > s.lastSeq+1 {
		s.log.Debug("audio chunk gap",
			slog.Uint64("sequence", seq),
			slog.Uint64("last_sequence", s.lastSeq))
	}
	s.lastSeq = seq
	s.seenSeq = true
}

// restart drops in-flight decoding state and returns to listening with the
// same decoder and grammar. It is a no-op on a stopped session.
func (s *Session) restart() error {
	s.mu.Lock()
	next, err := Transition(s.state, EventRestart)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		return err
	}
	s.state = next
	s.mu.Unlock()

	rerr := s.adapter.Restart()

	s.mu.Lock()
	if next, err := Transition(s.state, EventResume); err == nil {
		s.state = next
	}
	s.mu.Unlock()

	if rerr != nil && !errors.Is(rerr, stt.ErrStopped) {
		return fmt.Errorf("restart session: %w", rerr)
	}
	return nil
}

// stop halts the session and waits until its decoder has been released.
// Concurrent and repeated calls return once the single release is done.
func (s *Session) stop() bool {
	first := s.halt()
	<-s.done
	return first
}

// halt marks the session stopped and signals the worker without waiting.
// It is safe to call from the worker itself.
func (s *Session) halt() bool {
	s.mu.Lock()
	next, err := Transition(s.state, EventStop)
	if err != nil {
		s.mu.Unlock()
		return false
	}
	s.state = next
	started := s.started
	s.mu.Unlock()

	if started {
		close(s.quit)
		return true
	}
	// never started: nothing to release
	close(s.quit)
	close(s.done)
	_ = s.adapter.Stop()
	s.emit(protocol.Event{Type: protocol.EventStopped})
	return true
}

func (s *Session) run() {
	defer close(s.done)
	defer s.release()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			if s.flushOnStop.Load() {
				s.flush()
			}
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.drain()
	}
}

// flush feeds whatever is still buffered, ignoring the stop signal.
func (s *Session) flush() {
	for {
		samples := s.buffer.Pull(s.frameSamples)
		if len(samples) == 0 {
			return
		}
		if err := s.adapter.Feed(samples); err != nil {
			return
		}
	}
}

// drain feeds buffered audio frame by frame until the buffer is empty or a
// stop is observed.
func (s *Session) drain() {
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		samples := s.buffer.Pull(s.frameSamples)
		if len(samples) == 0 {
			return
		}
		started := time.Now()
		if err := s.adapter.Feed(samples); err != nil {
			return
		}
		s.metrics.observeFeed(float64(time.Since(started).Microseconds()) / 1000)
	}
}

func (s *Session) release() {
	if err := s.adapter.Stop(); err != nil {
		s.log.Warn("decoder release failed", slog.String("error", err.Error()))
	}
	s.metrics.addActive(-1)
	s.emit(protocol.Event{Type: protocol.EventStopped})
	s.log.Info("session stopped")
}

// handleEngineEvent runs on whichever goroutine called into the adapter.
func (s *Session) handleEngineEvent(ev stt.Event) {
	switch ev.Kind {
	case stt.EventHypothesis:
		s.metrics.count(s.metrics.hypotheses, s.grammarLabel())
		s.emit(protocol.Event{
			Type:      protocol.EventHypothesis,
			SessionID: ev.Hypothesis.SessionID,
			Phrase:    ev.Hypothesis.Text,
			Score:     ev.Hypothesis.Score,
			Final:     ev.Hypothesis.Final,
		})
	case stt.EventSpeech:
		s.emit(protocol.Event{Type: protocol.EventSpeech})
	case stt.EventSilence:
		s.emit(protocol.Event{Type: protocol.EventSilence})
	case stt.EventError:
		s.log.Warn("engine error", slog.String("error", ev.Err.Error()), slog.Bool("fatal", ev.Fatal))
		s.emit(errorEvent(protocol.ErrorEngineRuntime, ev.Err, ev.Fatal))
		if ev.Fatal {
			s.halt()
		}
	}
}

func (s *Session) grammarLabel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grammarName
}

func errorEvent(code protocol.ErrorCode, err error, fatal bool) protocol.Event {
	return protocol.Event{
		Type:  protocol.EventError,
		Error: &protocol.ErrorInfo{Code: code, Message: err.Error(), Fatal: fatal},
	}
}
