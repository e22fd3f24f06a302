package protocol

import "time"

// EventType names an outbound event sent to a client connection.
type EventType string

const (
	EventReady      EventType = "ready"
	EventHypothesis EventType = "utterance"
	EventSpeech     EventType = "speech"
	EventSilence    EventType = "silence"
	EventError      EventType = "error"
	EventStopped    EventType = "stopped"
)

// ErrorCode classifies errors relayed to clients.
type ErrorCode string

const (
	ErrorInvalidInput  ErrorCode = "invalid_input"
	ErrorOverflow      ErrorCode = "overflow"
	ErrorEngineInit    ErrorCode = "engine_init"
	ErrorEngineRuntime ErrorCode = "engine_runtime"
	ErrorSessionExists ErrorCode = "session_exists"
	ErrorSessionLimit  ErrorCode = "session_limit"
)

// Event is the typed message delivered to a connection.
type Event struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"session_id"`
	Phrase    string     `json:"phrase,omitempty"`
	Score     int32      `json:"score,omitempty"`
	Final     bool       `json:"final,omitempty"`
	Grammar   string     `json:"grammar,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal,omitempty"`
}

// Command is an inbound control request.
type Command string

const (
	CommandRestart Command = "restart"
	CommandStop    Command = "stop"
)

// AudioFrame carries float32 little-endian samples from a bus publisher.
type AudioFrame struct {
	ConnectionID string `json:"connection_id"`
	Sequence     uint64 `json:"sequence"`
	Grammar      string `json:"grammar,omitempty"`
	PCM          []byte `json:"pcm"`
	Final        bool   `json:"final"`
}

// ControlMessage is published on the control subject of a connection.
type ControlMessage struct {
	ConnectionID string  `json:"connection_id"`
	Command      Command `json:"command"`
}

// Transcript is a hypothesis republished on the shared transcript subjects.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Score     int32     `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioPrefix       = "asr.audio"
	SubjectControlPrefix     = "asr.control"
	SubjectEventPrefix       = "asr.event"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectNodeAnnounce      = "ctrl.node.announce"
	SubjectNodeHeartbeat     = "ctrl.node.heartbeat"
)
