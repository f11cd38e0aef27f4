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

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/autojoin"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/command"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/configstore"
	"github.com/loqalabs/loqa-relay/internal/dictionary"
	"github.com/loqalabs/loqa-relay/internal/discord"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/relay"
	"github.com/loqalabs/loqa-relay/internal/sanitize"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
)

const pruneInterval = time.Hour

// backend is everything the relay needs from a synthesis engine.
type backend interface {
	synthesis.Renderer
	synthesis.Prober
	dictionary.Backend
}

type check struct {
	name    string
	healthy func() bool
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	checks []check
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires the relay, serves HTTP and blocks until ctx ends.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	cleanups = append(cleanups, func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	})

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
		cleanups = append(cleanups, embedded.Shutdown)
	}

	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	cleanups = append(cleanups, busClient.Close)
	r.addCheck("bus", busClient.Healthy)

	store, err := configstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	cleanups = append(cleanups, func() { r.closeQuietly("config store", store.Close) })

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	cleanups = append(cleanups, func() { r.closeQuietly("event store", events.Close) })

	engine, err := newBackend(r.cfg.Synthesis, r.logger)
	if err != nil {
		return err
	}

	monitor := synthesis.NewMonitor(engine, time.Duration(r.cfg.Synthesis.ProbeIntervalMS)*time.Millisecond, r.logger)
	monitor.Start(ctx)
	cleanups = append(cleanups, monitor.Close)
	r.addCheck("synthesis", monitor.Healthy)

	dict := dictionary.NewService(engine, store, dictionary.Options{
		RefreshInterval: time.Duration(r.cfg.Dictionary.RefreshIntervalMS) * time.Millisecond,
	}, r.logger)

	recorder := relay.NewRecorder(busClient, events, r.logger)
	recorder.Start(context.WithoutCancel(ctx))
	cleanups = append(cleanups, recorder.Close)

	sequencer := playback.New(engine, playback.Options{
		Lookahead: r.cfg.Playback.Lookahead,
		Observer:  recorder,
	}, r.logger)

	gateway, err := discord.NewGateway(ctx, r.cfg.Discord, busClient, r.logger)
	if err != nil {
		return err
	}
	decoder, err := audio.NewDecoder(r.cfg.Playback.TranscodeCommand)
	if err != nil {
		return fmt.Errorf("failed to configure audio decoder: %w", err)
	}
	transport := discord.NewTransport(gateway.Session(), decoder, discord.VoiceOptions{
		FrameMS:     r.cfg.Playback.FrameMS,
		SendTimeout: time.Duration(r.cfg.Playback.SendTimeoutMS) * time.Millisecond,
	}, r.logger)

	relayCfg := r.cfg.Relay
	registry := session.NewRegistry(transport, sequencer, store, session.Options{
		DefaultSpeaker:        r.cfg.Synthesis.DefaultSpeaker,
		NotifyConnected:       relayCfg.NotifyConnected,
		NotifyAutoConnected:   relayCfg.NotifyAutoConnected,
		NotifyMoved:           relayCfg.NotifyMoved,
		AllowRebindAutoJoined: relayCfg.AllowRebindAutoJoined,
		Observer:              recorder,
	}, r.logger)

	watcher := autojoin.NewWatcher(registry, store, transport, autojoin.Options{
		NotifyJoin:        relayCfg.NotifyJoin,
		NotifyLeave:       relayCfg.NotifyLeave,
		ReconcileInterval: time.Duration(relayCfg.ReconcileIntervalMS) * time.Millisecond,
	}, r.logger)

	commands := command.NewService(registry, sequencer, dict, store, monitor, command.Options{
		DefaultSpeaker: r.cfg.Synthesis.DefaultSpeaker,
		WordsPageSize:  relayCfg.WordsPageSize,
	}, r.logger)
	gateway.SetDispatcher(commands)

	relaySvc := relay.NewService(ctx, busClient, registry, dict, watcher, transport,
		sanitize.New(relayCfg.MaxTextLength, relayCfg.MuteMarker),
		relay.Options{AttachmentText: relayCfg.AttachmentText, RequireHumanListener: relayCfg.RequireHumanListener},
		r.logger)
	if err := relaySvc.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	cleanups = append(cleanups, relaySvc.Close)
	r.addCheck("relay", relaySvc.Healthy)

	if err := gateway.Start(); err != nil {
		sequencer.Close(ctx)
		return err
	}
	cleanups = append(cleanups, func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		registry.Close(shutdownCtx)
		sequencer.Close(shutdownCtx)
		r.closeQuietly("discord gateway", gateway.Close)
	})
	r.addCheck("discord", gateway.Healthy)
	if r.cfg.Discord.RegisterCommands {
		if err := gateway.RegisterCommands(command.Specs()); err != nil {
			r.logger.Warn("slash command registration failed", slogError(err))
		}
	}

	r.goBackground(ctx, dict.Run)
	r.goBackground(ctx, watcher.Run)
	if events.Enabled() {
		r.goBackground(ctx, func(ctx context.Context) { r.pruneLoop(ctx, events) })
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("synthesis_mode", r.cfg.Synthesis.Mode),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	cleanups = nil
	return nil
}

func newBackend(cfg config.SynthesisConfig, logger *slog.Logger) (backend, error) {
	switch cfg.Mode {
	case "mock":
		logger.Info("using mock synthesis backend")
		return synthesis.NewMock(cfg.OutputSamplingRate, cfg.OutputStereo), nil
	default:
		client, err := synthesis.NewClient(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure synthesis client: %w", err)
		}
		return client, nil
	}
}

func (r *Runtime) addCheck(name string, healthy func() bool) {
	r.checks = append(r.checks, check{name: name, healthy: healthy})
}

func (r *Runtime) goBackground(ctx context.Context, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context, events *eventstore.Store) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := events.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) closeQuietly(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		r.logger.Warn("close failed", slog.String("resource", name), slogError(err))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for _, c := range r.checks {
		if !c.healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "not ready: %s", c.name)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
