package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/grammar"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/presence"
	"github.com/loqalabs/loqa-asr/internal/relay"
	"github.com/loqalabs/loqa-asr/internal/session"
	"github.com/loqalabs/loqa-asr/internal/stt"
	"github.com/loqalabs/loqa-asr/internal/transport/natsbridge"
	"github.com/loqalabs/loqa-asr/internal/transport/ws"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	telemetryStop func(context.Context) error

	events   *eventstore.Store
	grammars *grammar.Store
	relay    *relay.Relay
	sessions *session.Manager
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	bridge   *natsbridge.Bridge
	presence *presence.Registry

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is cancelled and then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("websocket_path", r.cfg.Transport.WebSocketPath))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if err := r.sessions.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("session shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown()

	if err := r.telemetryStop(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// setup builds the component graph without opening any listener.
func (r *Runtime) setup(ctx context.Context) error {
	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	options, err := stt.ValidateOptions(r.cfg.Recognizer.Options)
	if err != nil {
		return err
	}
	factory, err := stt.NewFactory(r.cfg.Recognizer)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}

	r.grammars = grammar.NewStore(r.cfg.Recognizer.GrammarDir, r.logger)
	r.relay = relay.New(relay.Config{
		QueueSize:    r.cfg.Sessions.EventQueue,
		WriteTimeout: time.Duration(r.cfg.Transport.WriteTimeoutMS) * time.Millisecond,
	}, r.logger)

	managerOpts := []session.Option{session.WithRecorder(r.events)}
	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
		managerOpts = append(managerOpts, session.WithObserver(natsbridge.TranscriptObserver(r.bus, r.logger)))
	}

	r.sessions = session.NewManager(session.Config{
		MaxSessions:      r.cfg.Sessions.MaxSessions,
		DefaultGrammar:   r.cfg.Recognizer.DefaultGrammar,
		FrameSamples:     r.cfg.Recognizer.FrameSamples,
		BufferSamples:    r.cfg.Recognizer.BufferSamples,
		DrainInterval:    time.Duration(r.cfg.Recognizer.DrainIntervalMS) * time.Millisecond,
		Options:          options,
		SilenceDetection: r.cfg.Recognizer.SilenceDetection,
	}, factory, r.grammars, r.relay, r.logger, managerOpts...)

	if r.bus != nil {
		r.bridge = natsbridge.New(r.bus, r.sessions, natsbridge.Config{
			IdleTimeout: time.Duration(r.cfg.Transport.NATSIdleTimeoutMS) * time.Millisecond,
		}, r.logger)
		if err := r.bridge.Start(); err != nil {
			return fmt.Errorf("start nats bridge: %w", err)
		}
		registry, err := presence.NewRegistry(ctx, r.cfg.Node, r.bus, r.load, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		r.presence = registry
	}

	// a missing default grammar is reported per session, not fatal at boot
	if _, err := r.grammars.Load(ctx, r.cfg.Recognizer.DefaultGrammar); err != nil {
		r.logger.Warn("default grammar unavailable",
			slog.String("grammar", r.cfg.Recognizer.DefaultGrammar),
			slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) teardown() {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.relay != nil {
		r.relay.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) load() presence.Load {
	return presence.Load{
		ActiveSessions: len(r.sessions.Sessions()),
		Grammars:       r.sessions.Grammars(),
	}
}

func (r *Runtime) router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	router.Get("/grammars", r.handleGrammars)
	router.Get("/sessions", r.handleSessions)
	router.Get("/sessions/history", r.handleHistory)
	router.Get("/sessions/{sessionID}/events", r.handleSessionEvents)
	router.Get("/nodes", r.handleNodes)

	router.Handle(r.cfg.Transport.WebSocketPath, ws.NewHandler(ws.Config{
		ReadLimit:    r.cfg.Transport.ReadLimitBytes,
		PingInterval: time.Duration(r.cfg.Transport.PingIntervalMS) * time.Millisecond,
		WriteTimeout: time.Duration(r.cfg.Transport.WriteTimeoutMS) * time.Millisecond,
	}, r.sessions, r.logger))
	return router
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bridge == nil || r.bridge.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleGrammars(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default": r.cfg.Recognizer.DefaultGrammar,
		"loaded":  r.grammars.Names(),
	})
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": r.sessions.Sessions()})
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	records, err := r.events.ListSessions(req.Context(), queryLimit(req))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")
	events, err := r.events.ListSessionEvents(req.Context(), sessionID, queryLimit(req))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "events": events})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": []presence.NodeInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": r.presence.Nodes()})
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}
