package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/grammar"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/relay"
	"github.com/loqalabs/loqa-asr/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionExists  = errors.New("session already exists for connection")
	ErrSessionLimit   = errors.New("session limit reached")
	ErrNoSession      = errors.New("no session for connection")
	ErrUnknownCommand = errors.New("unknown command")
)

// GrammarSource resolves grammar names to loaded grammars.
type GrammarSource interface {
	Load(ctx context.Context, name string) (*grammar.Grammar, error)
}

// Recorder persists session lifecycle events.
type Recorder interface {
	RecordSession(ctx context.Context, sessionID, connID, grammar string) error
	RecordEvent(ctx context.Context, ev protocol.Event) error
}

// Observer sees every event after it has been handed to the relay.
type Observer func(connID string, ev protocol.Event)

type Config struct {
	MaxSessions      int
	DefaultGrammar   string
	FrameSamples     int
	BufferSamples    int
	DrainInterval    time.Duration
	Options          stt.Options
	SilenceDetection bool
}

type Option func(*Manager)

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// Manager maps connection ids to sessions. Every inbound action for a
// connection resolves its session here.
type Manager struct {
	cfg      Config
	factory  stt.Factory
	grammars GrammarSource
	relay    *relay.Relay
	log      *slog.Logger
	metrics  *instruments
	tracer   trace.Tracer

	recorder  Recorder
	observers []Observer

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(cfg Config, factory stt.Factory, grammars GrammarSource, r *relay.Relay, log *slog.Logger, opts ...Option) *Manager {
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 1024
	}
	if cfg.BufferSamples < cfg.FrameSamples {
		cfg.BufferSamples = cfg.FrameSamples * 8
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 20 * time.Millisecond
	}
	if cfg.DefaultGrammar == "" {
		cfg.DefaultGrammar = "digits"
	}
	log = log.With(slog.String("component", "session-manager"))
	m := &Manager{
		cfg:      cfg,
		factory:  factory,
		grammars: grammars,
		relay:    r,
		log:      log,
		metrics:  newInstruments(log),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-asr/session"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect creates and starts the session for connID. Rejections are sent
// straight to sink since no session route exists for them.
func (m *Manager) Connect(ctx context.Context, connID, grammarName string, sink relay.Sink) (*Session, error) {
	if grammarName == "" {
		grammarName = m.cfg.DefaultGrammar
	}
	ctx, span := m.tracer.Start(ctx, "session.connect",
		trace.WithAttributes(
			attribute.String("connection.id", connID),
			attribute.String("grammar", grammarName),
		))
	defer span.End()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("session manager closed")
	}
	if _, ok := m.sessions[connID]; ok {
		m.mu.Unlock()
		m.reject(ctx, sink, protocol.ErrorSessionExists, ErrSessionExists)
		span.SetStatus(codes.Error, ErrSessionExists.Error())
		return nil, ErrSessionExists
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.reject(ctx, sink, protocol.ErrorSessionLimit, ErrSessionLimit)
		span.SetStatus(codes.Error, ErrSessionLimit.Error())
		return nil, ErrSessionLimit
	}
	s := newSession(sessionParams{
		connID:           connID,
		frameSamples:     m.cfg.FrameSamples,
		bufferSamples:    m.cfg.BufferSamples,
		drainInterval:    m.cfg.DrainInterval,
		factory:          m.factory,
		options:          m.cfg.Options,
		silenceDetection: m.cfg.SilenceDetection,
		log:              m.log,
		metrics:          m.metrics,
		emit:             m.deliver,
	})
	m.sessions[connID] = s
	m.mu.Unlock()

	span.SetAttributes(attribute.String("session.id", s.ID()))

	if err := m.relay.Register(s.ID(), connID, sink); err != nil {
		m.remove(s)
		span.RecordError(err)
		return nil, fmt.Errorf("register route: %w", err)
	}

	if m.recorder != nil {
		if err := m.recorder.RecordSession(ctx, s.ID(), connID, grammarName); err != nil {
			m.log.Warn("failed to record session", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
		}
	}

	g, err := m.grammars.Load(ctx, grammarName)
	if err != nil {
		err = fmt.Errorf("%w: grammar %q: %w", stt.ErrEngineInit, grammarName, err)
		s.fail(protocol.ErrorEngineInit, err)
		m.teardown(s)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := s.start(g); err != nil {
		m.teardown(s)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return s, nil
}

// OnAudio buffers one chunk for the connection's session.
func (m *Manager) OnAudio(connID string, chunk audio.Chunk) error {
	s := m.Lookup(connID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, connID)
	}
	s.push(chunk)
	return nil
}

// OnInvalidInput reports a frame the transport could not decode. The error
// reaches the client in order with the session's other events.
func (m *Manager) OnInvalidInput(connID string, err error) error {
	s := m.Lookup(connID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, connID)
	}
	s.reject(err)
	return nil
}

// OnControl applies a restart or stop command to the connection's session.
func (m *Manager) OnControl(connID string, cmd protocol.Command) error {
	s := m.Lookup(connID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, connID)
	}
	switch cmd {
	case protocol.CommandRestart:
		return s.restart()
	case protocol.CommandStop:
		s.stop()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// Disconnect stops the connection's session, flushes its remaining events
// and forgets it. Unknown connections are ignored.
func (m *Manager) Disconnect(connID string) {
	s := m.Lookup(connID)
	if s == nil {
		return
	}
	s.stop()
	m.teardown(s)
	m.log.Debug("connection closed", slog.String("connection_id", connID), slog.String("session_id", s.ID()))
}

// Finish ends the connection's stream: audio already buffered is decoded
// before the session stops and is forgotten.
func (m *Manager) Finish(connID string) {
	s := m.Lookup(connID)
	if s == nil {
		return
	}
	s.flushOnStop.Store(true)
	m.Disconnect(connID)
}

func (m *Manager) Lookup(connID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[connID]
}

// Sessions returns snapshots ordered by creation time.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Grammars lists the distinct grammars bound to live sessions.
func (m *Manager) Grammars() []string {
	seen := map[string]struct{}{}
	for _, snap := range m.Sessions() {
		if snap.Grammar != "" {
			seen[snap.Grammar] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown refuses new sessions and disconnects every live one.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]string, 0, len(m.sessions))
	for connID := range m.sessions {
		conns = append(conns, connID)
	}
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		for _, connID := range conns {
			g.Go(func() error {
				m.Disconnect(connID)
				return nil
			})
		}
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown sessions: %w", ctx.Err())
	}
}

func (m *Manager) deliver(s *Session, ev protocol.Event) {
	if ev.SessionID == "" {
		ev.SessionID = s.ID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.relay.Deliver(s.ID(), ev)
	for _, o := range m.observers {
		o(s.ConnectionID(), ev)
	}
	if m.recorder != nil && recordable(ev) {
		if err := m.recorder.RecordEvent(context.Background(), ev); err != nil {
			m.log.Warn("failed to record event",
				slog.String("session_id", s.ID()),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()))
		}
	}
}

// recordable keeps partial hypotheses and speech edges out of the store.
func recordable(ev protocol.Event) bool {
	switch ev.Type {
	case protocol.EventReady, protocol.EventStopped, protocol.EventError:
		return true
	case protocol.EventHypothesis:
		return ev.Final
	default:
		return false
	}
}

func (m *Manager) reject(ctx context.Context, sink relay.Sink, code protocol.ErrorCode, err error) {
	ev := errorEvent(code, err, true)
	ev.Timestamp = time.Now().UTC()
	if serr := sink.Send(ctx, ev); serr != nil {
		m.log.Debug("failed to send rejection", slog.String("error", serr.Error()))
	}
}

// teardown flushes the session's route and drops it from the table if it is
// still the connection's current session.
func (m *Manager) teardown(s *Session) {
	m.relay.Unregister(s.ID())
	m.remove(s)
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ConnectionID()]; ok && cur == s {
		delete(m.sessions, s.ConnectionID())
	}
}
