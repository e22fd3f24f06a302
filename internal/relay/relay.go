// Package relay delivers session events to the connection that opened the
// session, in the order they were produced.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrRouteExists = errors.New("route already registered")

// Sink is the outbound half of one client connection.
type Sink interface {
	Send(ctx context.Context, ev protocol.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev protocol.Event) error

func (f SinkFunc) Send(ctx context.Context, ev protocol.Event) error { return f(ctx, ev) }

type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
}

type route struct {
	sessionID string
	connID    string
	sink      Sink

	mu     sync.Mutex
	closed bool
	queue  chan protocol.Event
	done   chan struct{}
}

// Relay routes events by session id. Each route is bound to the sink of the
// connection that registered it, so an event can never reach a later
// connection that happens to reuse the same connection id.
type Relay struct {
	cfg     Config
	log     *slog.Logger
	mu      sync.RWMutex
	routes  map[string]*route
	wg      sync.WaitGroup
	dropped atomic.Uint64
	shed    atomic.Uint64

	droppedCounter metric.Int64Counter
}

func New(cfg Config, log *slog.Logger) *Relay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	r := &Relay{
		cfg:    cfg,
		log:    log.With(slog.String("component", "event-relay")),
		routes: make(map[string]*route),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-asr/relay").Int64Counter(
		"loqa.asr.relay.dropped",
		metric.WithDescription("Events dropped because their session had no live connection or its queue was full"),
	)
	if err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	r.droppedCounter = counter
	return r
}

// Register binds sessionID to the connection's sink and starts its pump.
func (r *Relay) Register(sessionID, connID string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrRouteExists, sessionID)
	}
	rt := &route{
		sessionID: sessionID,
		connID:    connID,
		sink:      sink,
		queue:     make(chan protocol.Event, r.cfg.QueueSize),
		done:      make(chan struct{}),
	}
	r.routes[sessionID] = rt
	r.wg.Add(1)
	go r.pump(rt)
	return nil
}

// Deliver queues ev for the session's connection. It returns false, and
// counts the event as dropped, when the session has no live route, or when
// the queue is full and ev is a partial hypothesis or a speech/silence
// notice. Other events wait for room, which the pump frees within one write
// timeout per queued event.
func (r *Relay) Deliver(sessionID string, ev protocol.Event) bool {
	r.mu.RLock()
	rt := r.routes[sessionID]
	r.mu.RUnlock()
	if rt == nil {
		r.drop(sessionID, ev)
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		r.drop(sessionID, ev)
		return false
	}
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case rt.queue <- ev:
		return true
	default:
	}
	if sheddable(ev) {
		r.shed.Add(1)
		r.drop(sessionID, ev)
		return false
	}
	rt.queue <- ev
	return true
}

// sheddable events are superseded by later ones, so a slow connection loses
// nothing it cannot recover from.
func sheddable(ev protocol.Event) bool {
	switch ev.Type {
	case protocol.EventSpeech, protocol.EventSilence:
		return true
	case protocol.EventHypothesis:
		return !ev.Final
	default:
		return false
	}
}

// Unregister removes the route. Events already queued are still handed to
// the sink; Unregister returns once they have been.
func (r *Relay) Unregister(sessionID string) {
	r.mu.Lock()
	rt := r.routes[sessionID]
	delete(r.routes, sessionID)
	r.mu.Unlock()
	if rt == nil {
		return
	}
	rt.mu.Lock()
	if !rt.closed {
		rt.closed = true
		close(rt.queue)
	}
	rt.mu.Unlock()
	<-rt.done
}

// Close unregisters every route and waits for all pumps.
func (r *Relay) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Unregister(id)
	}
	r.wg.Wait()
}

// Dropped reports how many events were not queued, shed ones included.
func (r *Relay) Dropped() uint64 { return r.dropped.Load() }

// Shed reports how many events were dropped because their queue was full.
func (r *Relay) Shed() uint64 { return r.shed.Load() }

// Routes reports the number of live routes.
func (r *Relay) Routes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

func (r *Relay) pump(rt *route) {
	defer r.wg.Done()
	defer close(rt.done)
	for ev := range rt.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err := rt.sink.Send(ctx, ev)
		cancel()
		if err != nil {
			r.log.Debug("event delivery failed",
				slog.String("session_id", rt.sessionID),
				slog.String("connection_id", rt.connID),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Relay) drop(sessionID string, ev protocol.Event) {
	r.dropped.Add(1)
	if r.droppedCounter != nil {
		r.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", string(ev.Type))))
	}
	r.log.Debug("dropping event",
		slog.String("session_id", sessionID),
		slog.String("event", string(ev.Type)))
}
