// Package natsbridge exposes the session manager on the message bus. Each
// connection id found in an audio subject is treated as one client
// connection.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/relay"
	"github.com/loqalabs/loqa-asr/internal/session"
	"github.com/nats-io/nats.go"
)

// TranscriptStream retains final transcripts when JetStream is available.
const TranscriptStream = "ASR_TRANSCRIPTS"

// Sessions is the part of the session manager the bridge drives.
type Sessions interface {
	Connect(ctx context.Context, connID, grammar string, sink relay.Sink) (*session.Session, error)
	OnAudio(connID string, chunk audio.Chunk) error
	OnInvalidInput(connID string, err error) error
	OnControl(connID string, cmd protocol.Command) error
	Finish(connID string)
	Disconnect(connID string)
}

type Config struct {
	// IdleTimeout disconnects a connection that sent nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

type Bridge struct {
	bus      *bus.Client
	sessions Sessions
	cfg      Config
	log      *slog.Logger
	subs     []*nats.Subscription
	ready    atomic.Bool

	mu       sync.Mutex
	lastSeen map[string]time.Time
	clock    func() time.Time

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(busClient *bus.Client, sessions Sessions, cfg Config, log *slog.Logger) *Bridge {
	return &Bridge{
		bus:      busClient,
		sessions: sessions,
		cfg:      cfg,
		log:      log.With(slog.String("component", "nats-bridge")),
		lastSeen: make(map[string]time.Time),
		clock:    time.Now,
		quit:     make(chan struct{}),
	}
}

func (b *Bridge) Start() error {
	conn := b.bus.Conn()
	audioSub, err := conn.Subscribe(protocol.SubjectAudioPrefix+".>", b.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	b.subs = append(b.subs, audioSub)

	controlSub, err := conn.Subscribe(protocol.SubjectControlPrefix+".>", b.handleControl)
	if err != nil {
		b.Close()
		return fmt.Errorf("subscribe control: %w", err)
	}
	b.subs = append(b.subs, controlSub)

	if err := b.ensureStream(); err != nil {
		b.log.Warn("transcript stream unavailable", slog.String("error", err.Error()))
	}
	if b.cfg.IdleTimeout > 0 {
		b.wg.Add(1)
		go b.reapIdle()
	}
	b.ready.Store(true)
	return nil
}

func (b *Bridge) Close() {
	b.ready.Store(false)
	b.closeOnce.Do(func() { close(b.quit) })
	b.wg.Wait()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
}

func (b *Bridge) Healthy() bool {
	return b.ready.Load() && b.bus.Healthy()
}

// Connections reports the connection ids with a bus session.
func (b *Bridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lastSeen)
}

func (b *Bridge) touch(connID string) {
	b.mu.Lock()
	b.lastSeen[connID] = b.clock()
	b.mu.Unlock()
}

func (b *Bridge) forget(connID string) {
	b.mu.Lock()
	delete(b.lastSeen, connID)
	b.mu.Unlock()
}

// end tears the connection's session down. Bus clients have no close event,
// so a stop command, a final frame or idleness is the end of the connection.
func (b *Bridge) end(connID string, flush bool) {
	b.forget(connID)
	if flush {
		b.sessions.Finish(connID)
		return
	}
	b.sessions.Disconnect(connID)
}

func (b *Bridge) reapIdle() {
	defer b.wg.Done()
	interval := b.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			for _, connID := range b.idle() {
				b.log.Info("idle bus connection closed", slog.String("connection_id", connID))
				b.end(connID, false)
			}
		}
	}
}

func (b *Bridge) idle() []string {
	cutoff := b.clock().Add(-b.cfg.IdleTimeout)
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for connID, seen := range b.lastSeen {
		if seen.Before(cutoff) {
			out = append(out, connID)
		}
	}
	return out
}

func (b *Bridge) ensureStream() error {
	js := b.bus.JetStream()
	if js == nil {
		return errors.New("no jetstream context")
	}
	if _, err := js.StreamInfo(TranscriptStream); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     TranscriptStream,
		Subjects: []string{protocol.SubjectTranscriptFinal},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	return err
}

func (b *Bridge) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		b.log.Warn("failed to decode audio frame", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	connID := frame.ConnectionID
	if connID == "" {
		connID = connectionFromSubject(msg.Subject, protocol.SubjectAudioPrefix)
	}
	if connID == "" {
		b.log.Warn("audio frame without connection id", slog.String("subject", msg.Subject))
		return
	}

	if len(frame.PCM) > 0 {
		b.deliver(connID, frame)
	}
	if frame.Final {
		b.end(connID, true)
	}
}

func (b *Bridge) deliver(connID string, frame protocol.AudioFrame) {
	samples, decodeErr := audio.DecodeFloat32LE(frame.PCM)
	chunk := audio.Chunk{Sequence: frame.Sequence, Samples: samples}

	err := b.push(connID, chunk, decodeErr)
	if errors.Is(err, session.ErrNoSession) {
		if _, cerr := b.sessions.Connect(context.Background(), connID, frame.Grammar, b.sink(connID)); cerr != nil {
			b.log.Warn("session rejected", slog.String("connection_id", connID), slog.String("error", cerr.Error()))
			return
		}
		err = b.push(connID, chunk, decodeErr)
	}
	b.touch(connID)
	if err != nil {
		b.log.Warn("failed to deliver audio", slog.String("connection_id", connID), slog.String("error", err.Error()))
	}
}

func (b *Bridge) push(connID string, chunk audio.Chunk, decodeErr error) error {
	if decodeErr != nil {
		return b.sessions.OnInvalidInput(connID, fmt.Errorf("frame %d: %w", chunk.Sequence, decodeErr))
	}
	return b.sessions.OnAudio(connID, chunk)
}

func (b *Bridge) handleControl(msg *nats.Msg) {
	var ctrl protocol.ControlMessage
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		b.log.Warn("failed to decode control message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	connID := ctrl.ConnectionID
	if connID == "" {
		connID = connectionFromSubject(msg.Subject, protocol.SubjectControlPrefix)
	}
	if err := b.sessions.OnControl(connID, ctrl.Command); err != nil {
		b.log.Warn("control command failed",
			slog.String("connection_id", connID),
			slog.String("command", string(ctrl.Command)),
			slog.String("error", err.Error()))
		return
	}
	if ctrl.Command == protocol.CommandStop {
		b.end(connID, false)
		return
	}
	b.touch(connID)
}

// sink publishes a connection's events on its own event subject.
func (b *Bridge) sink(connID string) relay.Sink {
	subject := EventSubject(connID)
	return relay.SinkFunc(func(_ context.Context, ev protocol.Event) error {
		return b.bus.PublishJSON(subject, ev)
	})
}

// EventSubject is where events for connID are published.
func EventSubject(connID string) string {
	return protocol.SubjectEventPrefix + "." + connID
}

// TranscriptObserver republishes hypotheses from every session, whatever its
// transport, on the shared transcript subjects.
func TranscriptObserver(busClient *bus.Client, log *slog.Logger) session.Observer {
	log = log.With(slog.String("component", "transcripts"))
	return func(_ string, ev protocol.Event) {
		if ev.Type != protocol.EventHypothesis || ev.Phrase == "" {
			return
		}
		subject := protocol.SubjectTranscriptPartial
		if ev.Final {
			subject = protocol.SubjectTranscriptFinal
		}
		msg := protocol.Transcript{
			SessionID: ev.SessionID,
			Text:      ev.Phrase,
			Partial:   !ev.Final,
			Score:     ev.Score,
			Timestamp: ev.Timestamp,
		}
		if err := busClient.PublishJSON(subject, msg); err != nil {
			log.Warn("failed to publish transcript", slog.String("error", err.Error()))
		}
	}
}

func connectionFromSubject(subject, prefix string) string {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return ""
	}
	return rest
}
