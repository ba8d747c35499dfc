package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-mic/internal/bus"
	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/eventstore"
	"github.com/loqalabs/loqa-mic/internal/listener"
	"github.com/loqalabs/loqa-mic/internal/natsserver"
	"github.com/loqalabs/loqa-mic/internal/telemetry"
)

const serviceName = "loqa-micd"

// Republished frames are only kept long enough for late consumers to catch up.
const frameRetention = time.Hour

// Runtime is the loqa-micd daemon: command socket listener plus its bus,
// journal and telemetry.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	listener *listener.Handler
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

	shutdownTelemetry, metricsHandler, err := telemetry.Setup(ctx, r.cfg, r.logger, telemetry.WithService(serviceName, ""))
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		_ = shutdownTelemetry(context.Background())
		return err
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
		// Hijacked command sockets are not tracked by Shutdown; cancelling
		// their base context is what ends them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("command_path", r.cfg.Listener.Path))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	// Sessions journal and publish their close; keep the store and bus until they are done.
	if r.listener != nil {
		if err := r.listener.Wait(shutdownCtx); err != nil {
			r.logger.Error("command sessions did not finish", slog.String("error", err.Error()))
		}
	}
	r.stopServices()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return err
		}
		r.nats = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}

		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
		if err := client.EnsureFrameStream(frameRetention); err != nil {
			r.logger.Warn("frame stream unavailable, frames are published without retention", slog.String("error", err.Error()))
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Listener.Enabled {
		opts := []listener.Option{listener.WithJournal(store)}
		if r.bus != nil {
			opts = append(opts, listener.WithPublisher(r.bus))
		}
		r.listener = listener.New(r.cfg.Listener, r.logger, opts...)
	}
	return nil
}

func (r *Runtime) stopServices() {
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	r.nats.Shutdown()
	r.nats = nil
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	if r.listener != nil {
		mux.Handle(r.cfg.Listener.Path, r.listener)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
