package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-mic/internal/capture"
	"github.com/loqalabs/loqa-mic/internal/channel"
	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/relay"
	"github.com/loqalabs/loqa-mic/internal/telemetry"
)

var version = "0.1.0-dev"

const toneNotice = "capture.source tone sends a test signal; build with -tags portaudio or set capture.source to exec for a real microphone"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		auto        bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults only when empty)")
	flag.BoolVar(&auto, "auto", false, "Start capturing as soon as the command socket opens")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: loqa-mic [flags]\n\n%s\n\n", toneNotice)
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return nil
	}

	if err := config.LoadEnv(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// stdout belongs to the prompt; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, metricsHandler, err := telemetry.Setup(ctx, cfg, logger,
		telemetry.WithService("loqa-mic", version),
		telemetry.WithTraceWriter(os.Stderr))
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if cfg.Telemetry.PrometheusBind != "" && metricsHandler != nil {
		srv := serveMetrics(cfg.Telemetry.PrometheusBind, metricsHandler, logger)
		defer srv.Close()
	}

	source, err := capture.NewSource(cfg.Capture)
	if err != nil {
		return err
	}

	coord := relay.Build(cfg, source, channel.WebsocketDialer{}, relay.NewTerminalNotifier(os.Stdout), logger)
	defer func() {
		if err := coord.Close(); err != nil {
			logger.Warn("close relay", slog.String("error", err.Error()))
		}
	}()

	opened := coord.Init(ctx)
	if auto {
		go func() {
			select {
			case err := <-opened:
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
			if out, err := coord.Trigger(ctx); err != nil {
				logger.Warn("auto start failed", slog.String("outcome", out.String()), slog.String("error", err.Error()))
			}
		}()
	}

	fmt.Fprintf(os.Stdout, "loqa-mic %s streaming %s from %s\n", version, coord.Status().Endpoint, source.Name())
	if source.Name() == "tone" {
		fmt.Fprintln(os.Stdout, toneNotice)
	}
	fmt.Fprintln(os.Stdout, helpText)

	err = newConsole(coord, os.Stdin, os.Stdout).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return srv
}
