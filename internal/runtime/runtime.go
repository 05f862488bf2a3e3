package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/capability"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/eventstore"
	"github.com/loqalabs/loqa-assistant/internal/llm"
	"github.com/loqalabs/loqa-assistant/internal/natsserver"
	"github.com/loqalabs/loqa-assistant/internal/session"
	"github.com/loqalabs/loqa-assistant/internal/stt"
	"github.com/loqalabs/loqa-assistant/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	servers     []*http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	registry *capability.Registry
	stt      *stt.Service
	llm      *llm.Service
	tts      *tts.Service
	host     *session.Host
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.serve(addr, r.Handler())
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.serve(bind, mux)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("transport", r.cfg.Sessions.Transport))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range r.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.servers = append(r.servers, srv)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
}

// setup brings up the bus, the event store, the enabled workers and the
// session host, in that order.
func (r *Runtime) setup(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if err := r.startWorkers(ctx); err != nil {
		return err
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.FromConfig(r.cfg), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	if r.cfg.Sessions.Enabled {
		factory, err := r.capabilityFactory(ctx)
		if err != nil {
			return err
		}
		r.host = session.NewHost(ctx, r.cfg.Sessions, session.TurnConfig(r.cfg.Coordinator), factory, r.bus, r.store, r.logger)
		if err := r.host.Listen(); err != nil {
			return fmt.Errorf("start session host: %w", err)
		}
	}
	return nil
}

func (r *Runtime) startWorkers(ctx context.Context) error {
	if r.cfg.STT.Enabled {
		transcriber, err := stt.NewTranscriber(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("stt transcriber: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, transcriber)
		if err := r.stt.Start(); err != nil {
			return fmt.Errorf("start stt: %w", err)
		}
	}
	if r.cfg.LLM.Enabled {
		generator, err := llm.NewGenerator(ctx, r.cfg.LLM)
		if err != nil {
			return fmt.Errorf("llm generator: %w", err)
		}
		r.llm = llm.NewService(ctx, r.cfg.LLM, r.bus, generator, r.logger)
		if err := r.llm.Start(); err != nil {
			return fmt.Errorf("start llm: %w", err)
		}
	}
	if r.cfg.TTS.Enabled {
		engine, err := tts.NewEngine(r.cfg.TTS)
		if err != nil {
			return fmt.Errorf("tts engine: %w", err)
		}
		r.tts = tts.NewService(ctx, r.cfg.TTS, r.bus, engine, r.logger)
		if err := r.tts.Start(); err != nil {
			return fmt.Errorf("start tts: %w", err)
		}
	}
	return nil
}

// capabilityFactory builds per-session capabilities. Recognition always goes
// through the STT worker on the bus; the transport decides whether replies
// and speech are produced in-process or by the bus workers.
func (r *Runtime) capabilityFactory(ctx context.Context) (session.CapabilityFactory, error) {
	cfg := r.cfg
	replyTimeout := time.Duration(cfg.Coordinator.ReplyTimeoutMS) * time.Millisecond

	if cfg.Sessions.Transport == "bus" {
		return session.FactoryFunc(func(id string) (session.Capabilities, error) {
			return session.Capabilities{
				Recognizer:  stt.NewBusRecognizer(r.bus, id, r.logger),
				Synthesizer: tts.NewBusSpeaker(r.bus, cfg.TTS, id, cfg.Sessions.Target, r.logger),
				Provider:    llm.NewBusProvider(r.bus, cfg.LLM, replyTimeout),
			}, nil
		}), nil
	}

	generator, err := llm.NewGenerator(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("session llm generator: %w", err)
	}
	engine, err := tts.NewEngine(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("session tts engine: %w", err)
	}
	provider := llm.NewGeneratorProvider(generator, cfg.LLM)
	sink := tts.BusSink(r.bus, cfg.Sessions.Target)
	return session.FactoryFunc(func(id string) (session.Capabilities, error) {
		return session.Capabilities{
			Recognizer:  stt.NewBusRecognizer(r.bus, id, r.logger),
			Synthesizer: tts.NewLocalSpeaker(engine, sink, cfg.TTS, id),
			Provider:    provider,
		}, nil
	}), nil
}

// teardown releases whatever setup managed to start.
func (r *Runtime) teardown() {
	if r.host != nil {
		r.host.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if r.llm != nil {
		r.llm.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	var errs []error
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
}

// Ready reports whether the runtime can serve sessions. With the bus
// transport a healthy node must advertise the llm and tts workers.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.cfg.Sessions.Enabled && r.cfg.Sessions.Transport == "bus" && r.registry != nil {
		return r.registry.Available(capability.WorkerLLM) && r.registry.Available(capability.WorkerTTS)
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
