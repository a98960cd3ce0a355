package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/c360studio/imagegen/config"
	"github.com/c360studio/imagegen/inference"
	"github.com/c360studio/imagegen/metric"
	generateapi "github.com/c360studio/imagegen/processor/generate-api"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// writeTimeoutMargin is added to the worst-case generation time so the server
// never cuts off a response the retry loop is still allowed to produce.
const writeTimeoutMargin = 15 * time.Second

// App wires the inference client, HTTP boundary and optional sinks together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	client    *inference.Client
	component *generateapi.Component
	registry  *metric.MetricsRegistry
	callStore *inference.CallStore

	server   *http.Server
	listener net.Listener
}

// NewApp creates the application. The API credential must be present.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, registry, callStore, err := buildClient(cfg, logger, cfg.Metrics.IsEnabled())
	if err != nil {
		return nil, err
	}

	component, err := generateapi.NewComponent(generateapi.DefaultConfig(), client, generateapi.WithLogger(logger))
	if err != nil {
		closeStore(callStore, logger)
		return nil, fmt.Errorf("create generate-api: %w", err)
	}

	mux := http.NewServeMux()
	component.RegisterHTTPHandlers("/", mux)
	if registry != nil {
		mux.Handle(cfg.Metrics.Path, registry.Handler())
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		component: component,
		registry:  registry,
		callStore: callStore,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			WriteTimeout:      cfg.Retry.MaxDuration() + writeTimeoutMargin,
		},
	}, nil
}

// buildClient creates the inference client and its optional metrics and event sinks.
func buildClient(cfg *config.Config, logger *slog.Logger, withMetrics bool) (*inference.Client, *metric.MetricsRegistry, *inference.CallStore, error) {
	credential := inference.EnvCredential(cfg.Inference.APIKeyEnv)
	if credential() == "" {
		return nil, nil, nil, inference.NewConfigurationError(
			fmt.Errorf("environment variable %s is not set", cfg.Inference.APIKeyEnv))
	}

	opts := []inference.ClientOption{
		inference.WithPolicy(cfg.Retry),
		inference.WithLogger(logger),
	}

	var registry *metric.MetricsRegistry
	if withMetrics {
		registry = metric.NewMetricsRegistry()
		m, err := inference.NewMetrics(registry)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, inference.WithMetrics(m))
	}

	var callStore *inference.CallStore
	if cfg.Events.NATSURL != "" {
		store, err := inference.ConnectCallStore(cfg.Events.NATSURL,
			inference.WithSubject(cfg.Events.Subject),
			inference.WithStoreLogger(logger))
		if err != nil {
			// Publishing is optional; generation works without it.
			logger.Warn("Generation events disabled", "nats_url", cfg.Events.NATSURL, "error", err)
		} else {
			callStore = store
			opts = append(opts, inference.WithCallStore(store))
			logger.Debug("Generation events enabled", "subject", cfg.Events.Subject)
		}
	}

	return inference.NewClient(cfg.Endpoint(), credential, opts...), registry, callStore, nil
}

// Listen binds the server address.
func (a *App) Listen() error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
	}
	if a.cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, a.cfg.Server.MaxConnections)
	}
	a.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Run serves until ctx is done, then shuts down gracefully. When watchPath is
// set, changes to that file reload the retry policy through reload.
func (a *App) Run(ctx context.Context, watchPath string, reload config.ReloadFunc) error {
	if a.listener == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}
	if err := a.component.Start(ctx); err != nil {
		return err
	}
	defer a.component.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening",
			"addr", a.listener.Addr().String(),
			"model", a.cfg.Inference.Model,
			"write_timeout", a.server.WriteTimeout)
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if watchPath != "" && reload != nil {
		watcher, err := config.NewWatcher(watchPath, reload, a.applyConfig, config.WithWatcherLogger(a.logger))
		if err != nil {
			a.logger.Warn("Config reload disabled", "path", watchPath, "error", err)
		} else {
			g.Go(func() error {
				return watcher.Run(gctx)
			})
		}
	}

	return g.Wait()
}

// applyConfig swaps in a reloaded retry policy. Policies whose worst case no
// longer fits the server write timeout need a restart.
func (a *App) applyConfig(cfg *config.Config) error {
	if need := cfg.Retry.MaxDuration() + writeTimeoutMargin; need > a.server.WriteTimeout {
		return fmt.Errorf("retry policy needs write timeout %s, server has %s; restart to apply", need, a.server.WriteTimeout)
	}
	return a.client.SetPolicy(cfg.Retry)
}

// Close releases the event connection.
func (a *App) Close() {
	closeStore(a.callStore, a.logger)
}

func closeStore(store *inference.CallStore, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Warn("Failed to close event connection", "error", err)
	}
}
