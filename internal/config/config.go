package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	// TraceExporter is none, stdout or otlp. Empty picks otlp when an
	// endpoint is configured and none otherwise.
	TraceExporter  string `yaml:"trace_exporter"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Sessions    SessionsConfig   `yaml:"sessions"`
	Transport   TransportConfig  `yaml:"transport"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// RecognizerConfig selects the decoding engine and the session drain cadence.
// Options is handed to the engine untouched after type validation.
type RecognizerConfig struct {
	Mode             string         `yaml:"mode"` // mock, exec
	Command          string         `yaml:"command"`
	GrammarDir       string         `yaml:"grammar_dir"`
	DefaultGrammar   string         `yaml:"default_grammar"`
	SampleRate       int            `yaml:"sample_rate"`
	FrameSamples     int            `yaml:"frame_samples"`
	BufferSamples    int            `yaml:"buffer_samples"`
	DrainIntervalMS  int            `yaml:"drain_interval_ms"`
	SilenceDetection bool           `yaml:"silence_detection"`
	Options          map[string]any `yaml:"options"`
}

type SessionsConfig struct {
	MaxSessions int `yaml:"max_sessions"`
	EventQueue  int `yaml:"event_queue"`
}

type TransportConfig struct {
	WebSocketPath  string `yaml:"websocket_path"`
	ReadLimitBytes int64  `yaml:"read_limit_bytes"`
	PingIntervalMS int    `yaml:"ping_interval_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`

	// NATSIdleTimeoutMS ends bus sessions that receive no frame or command
	// for this long. Zero disables it.
	NATSIdleTimeoutMS int `yaml:"nats_idle_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			TraceExporter:  "",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-asr-1",
			Role:              "asr",
			HeartbeatInterval: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-asr-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Recognizer: RecognizerConfig{
			Mode:             "mock",
			GrammarDir:       "./grammars",
			DefaultGrammar:   "digits",
			SampleRate:       44100,
			FrameSamples:     1024,
			BufferSamples:    44100 * 5,
			DrainIntervalMS:  20,
			SilenceDetection: false,
			Options: map[string]any{
				"-samprate": 44100,
				"-nfft":     2048,
				"-frate":    110,
			},
		},
		Sessions: SessionsConfig{
			MaxSessions: 256,
			EventQueue:  64,
		},
		Transport: TransportConfig{
			WebSocketPath:  "/ws",
			ReadLimitBytes: 1 << 20,
			PingIntervalMS: 15000,
			WriteTimeoutMS: 5000,

			NATSIdleTimeoutMS: 30000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Recognizer.Mode, "LOQA_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "LOQA_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.GrammarDir, "LOQA_RECOGNIZER_GRAMMAR_DIR")
	overrideString(&cfg.Recognizer.DefaultGrammar, "LOQA_RECOGNIZER_DEFAULT_GRAMMAR")
	overrideInt(&cfg.Recognizer.SampleRate, "LOQA_RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.FrameSamples, "LOQA_RECOGNIZER_FRAME_SAMPLES")
	overrideInt(&cfg.Recognizer.BufferSamples, "LOQA_RECOGNIZER_BUFFER_SAMPLES")
	overrideInt(&cfg.Recognizer.DrainIntervalMS, "LOQA_RECOGNIZER_DRAIN_INTERVAL_MS")
	overrideBool(&cfg.Recognizer.SilenceDetection, "LOQA_RECOGNIZER_SILENCE_DETECTION")
	overrideInt(&cfg.Sessions.MaxSessions, "LOQA_SESSIONS_MAX")
	overrideInt(&cfg.Sessions.EventQueue, "LOQA_SESSIONS_EVENT_QUEUE")
	overrideString(&cfg.Transport.WebSocketPath, "LOQA_TRANSPORT_WEBSOCKET_PATH")
	overrideInt(&cfg.Transport.PingIntervalMS, "LOQA_TRANSPORT_PING_INTERVAL_MS")
	overrideInt(&cfg.Transport.WriteTimeoutMS, "LOQA_TRANSPORT_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Transport.NATSIdleTimeoutMS, "LOQA_TRANSPORT_NATS_IDLE_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Bus.Enabled && cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	switch cfg.Recognizer.Mode {
	case "mock", "exec":
	default:
		return errors.New("recognizer.mode must be one of mock|exec")
	}
	if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
		return errors.New("recognizer.command must be set when mode=exec")
	}
	if cfg.Recognizer.GrammarDir == "" {
		return errors.New("recognizer.grammar_dir must not be empty")
	}
	if cfg.Recognizer.DefaultGrammar == "" {
		return errors.New("recognizer.default_grammar must not be empty")
	}
	if cfg.Recognizer.SampleRate <= 0 {
		return errors.New("recognizer.sample_rate must be positive")
	}
	if cfg.Recognizer.FrameSamples <= 0 {
		return errors.New("recognizer.frame_samples must be positive")
	}
	if cfg.Recognizer.BufferSamples < cfg.Recognizer.FrameSamples {
		return errors.New("recognizer.buffer_samples must be >= recognizer.frame_samples")
	}
	if cfg.Recognizer.DrainIntervalMS <= 0 {
		return errors.New("recognizer.drain_interval_ms must be positive")
	}
	if cfg.Sessions.MaxSessions <= 0 {
		return errors.New("sessions.max_sessions must be >= 1")
	}
	if cfg.Sessions.EventQueue <= 0 {
		return errors.New("sessions.event_queue must be >= 1")
	}
	if !strings.HasPrefix(cfg.Transport.WebSocketPath, "/") {
		return errors.New("transport.websocket_path must start with /")
	}
	if cfg.Transport.PingIntervalMS <= 0 {
		return errors.New("transport.ping_interval_ms must be positive")
	}
	if cfg.Transport.NATSIdleTimeoutMS < 0 {
		return errors.New("transport.nats_idle_timeout_ms must be >= 0")
	}
	return nil
}
