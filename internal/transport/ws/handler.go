// Package ws accepts client connections over WebSocket. Each connection owns
// exactly one recognition session for its lifetime.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/relay"
	"github.com/loqalabs/loqa-asr/internal/session"
)

// Sessions is the part of the session manager a transport drives.
type Sessions interface {
	Connect(ctx context.Context, connID, grammar string, sink relay.Sink) (*session.Session, error)
	OnAudio(connID string, chunk audio.Chunk) error
	OnInvalidInput(connID string, err error) error
	OnControl(connID string, cmd protocol.Command) error
	Disconnect(connID string)
}

type Config struct {
	ReadLimit    int64
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// clientMessage is a text frame. Audio may also arrive as a binary frame of
// float32 little-endian samples.
type clientMessage struct {
	Type    string    `json:"type"`
	Seq     *uint64   `json:"seq,omitempty"`
	Samples []float32 `json:"samples,omitempty"`
}

type Handler struct {
	cfg      Config
	sessions Sessions
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(cfg Config, sessions Sessions, log *slog.Logger) *Handler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		log:      log.With(slog.String("component", "ws-transport")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	log := h.log.With(slog.String("connection_id", connID))
	sink := &connSink{conn: conn, writeTimeout: h.cfg.WriteTimeout}

	if _, err := h.sessions.Connect(r.Context(), connID, r.URL.Query().Get("grammar"), sink); err != nil {
		log.Warn("session rejected", slog.String("error", err.Error()))
		sink.close(websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer h.sessions.Disconnect(connID)

	pongWait := h.cfg.PingInterval * 3
	conn.SetReadLimit(h.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	go h.keepalive(sink, stopPing)
	defer close(stopPing)

	var seq uint64
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			seq++
			h.handleBinary(connID, seq, payload)
		case websocket.TextMessage:
			h.handleText(connID, &seq, payload)
		}
	}
}

func (h *Handler) handleBinary(connID string, seq uint64, payload []byte) {
	samples, err := audio.DecodeFloat32LE(payload)
	if err != nil {
		h.report(connID, fmt.Errorf("frame %d: %w", seq, err))
		return
	}
	h.report(connID, h.sessions.OnAudio(connID, audio.Chunk{Sequence: seq, Samples: samples}))
}

func (h *Handler) handleText(connID string, seq *uint64, payload []byte) {
	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.report(connID, fmt.Errorf("%w: %v", audio.ErrInvalidInput, err))
		return
	}
	switch msg.Type {
	case "audio":
		if msg.Seq != nil {
			*seq = *msg.Seq
		} else {
			*seq++
		}
		h.report(connID, h.sessions.OnAudio(connID, audio.Chunk{Sequence: *seq, Samples: msg.Samples}))
	case string(protocol.CommandRestart), string(protocol.CommandStop):
		h.report(connID, h.sessions.OnControl(connID, protocol.Command(msg.Type)))
	default:
		h.report(connID, fmt.Errorf("%w: message type %q", audio.ErrInvalidInput, msg.Type))
	}
}

// report turns a per-frame failure into an invalid_input event for the client.
func (h *Handler) report(connID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, session.ErrNoSession) {
		return
	}
	if rerr := h.sessions.OnInvalidInput(connID, err); rerr != nil {
		h.log.Debug("dropping input error", slog.String("connection_id", connID), slog.String("error", err.Error()))
	}
}

func (h *Handler) keepalive(sink *connSink, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// connSink serializes every write on one websocket connection.
type connSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (s *connSink) Send(ctx context.Context, ev protocol.Event) error {
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(ev)
}

func (s *connSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(s.writeTimeout))
}

func (s *connSink) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, truncate(reason, 120))
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
}

// close frame payloads are capped at 125 bytes
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
