package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skupperproject/flowcache/internal/config"
	"github.com/skupperproject/flowcache/internal/server"
	"github.com/skupperproject/flowcache/internal/version"
	"github.com/skupperproject/flowcache/pkg/flowcache/pool"
	"github.com/skupperproject/flowcache/pkg/flowcache/query"
	"github.com/skupperproject/flowcache/pkg/flowcache/store"
	"github.com/skupperproject/flowcache/pkg/flowcache/synchronizer"
	"github.com/skupperproject/flowcache/pkg/switchlink"
	"github.com/skupperproject/flowcache/pkg/switchlink/session"
)

func run(cfg Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("Flow Cache starting", slog.String("version", version.Get()))

	configPath := config.Path(cfg.ConfigFile)
	fileCfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		factory    session.ContainerFactory
		demoRouter *session.MockRouter
	)
	if cfg.RouterURL == "" {
		demoRouter = session.NewMockRouter()
		factory = mockFactory{router: demoRouter}
		logger.Info("no router endpoint configured, running with simulated switches",
			slog.Int("switches", cfg.DemoSwitches))
	} else {
		sessionConfig, err := configureSession(cfg.RouterTLS)
		if err != nil {
			return fmt.Errorf("failed to load router tls configuration: %s", err)
		}
		factory = session.NewContainerFactory(cfg.RouterURL, sessionConfig)
	}
	container := factory.Create()
	container.OnSessionError(func(err error) {
		logger.Error("router session error", slog.Any("error", err))
	})

	onReport, err := reportLogger(ctx, logger, cfg.ReportLoggingLevel, fileCfg.Logging)
	if err != nil {
		return err
	}

	flowStore := store.New(store.Config{Handlers: newStoreMetrics(reg).handlers()})
	workers := pool.New(pool.Options{
		Name:       "flowcache",
		Workers:    fileCfg.Pool.Workers,
		QueueSize:  fileCfg.Pool.QueueSize,
		Logger:     logger,
		Registerer: reg,
	})
	registry := switchlink.NewRegistry(container, switchlink.RegistryOptions{
		Timeout: fileCfg.Sync.SwitchTimeout,
		Logger:  logger,
	})
	link := switchlink.NewLink(container, registry, switchlink.LinkOptions{
		Logger:     logger,
		Registerer: reg,
		OnReport:   onReport,
	})
	syncer := synchronizer.New(synchronizer.Options{
		Store:              flowStore,
		Pool:               workers,
		Registry:           registry,
		Communicator:       link,
		Logger:             logger,
		Registerer:         reg,
		RefreshTimeout:     fileCfg.Sync.RefreshTimeout,
		RemovedGracePeriod: fileCfg.Sync.RemovedGracePeriod,
	})
	link.SetHandler(syncer)
	engine := query.New(query.Options{
		Store:      flowStore,
		Pool:       workers,
		Refresher:  syncer,
		Policy:     fileCfg.Staleness,
		Logger:     logger,
		Registerer: reg,
	})
	api := server.New(server.Options{
		Store:     flowStore,
		Engine:    engine,
		Refresher: syncer,
		Fleet:     registry,
		Logger:    logger,
	})

	var ready atomic.Bool
	router := mux.NewRouter().StrictSlash(true)
	router.Handle("/metrics", handleMetrics(reg))
	router.Handle("/healthz", handleHealthz(ready.Load))
	router.Handle("/version", handleVersion())
	api.Register(router)
	if cfg.CORSAllowAll {
		router.Use(handlers.CORS(
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		))
	}
	if cfg.APIEnableAccessLogs {
		router.Use(func(next http.Handler) http.Handler {
			return handlers.LoggingHandler(os.Stdout, next)
		})
	}

	s := &http.Server{
		Addr:         cfg.APIListenAddress,
		Handler:      handlers.CompressHandler(router),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	tlsEnabled := cfg.APITLS.hasCert()
	if tlsEnabled {
		s.TLSConfig, err = cfg.APITLS.config()
		if err != nil {
			return fmt.Errorf("could not set up certs for api server: %s", err)
		}
	}

	g, runCtx := errgroup.WithContext(ctx)
	container.Start(runCtx)

	g.Go(func() error {
		if err := workers.Run(runCtx); err != nil {
			return fmt.Errorf("worker pool error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := link.Run(runCtx); err != nil {
			return fmt.Errorf("switch link error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return syncer.Run(runCtx)
	})
	for _, sw := range fileCfg.Switches {
		registry.Add(synchronizer.SwitchInfo{ID: sw.ID, Address: sw.Address})
	}
	g.Go(func() error {
		err := registry.Run(runCtx, switchlink.RegistryHandlers{
			Discovered: func(info synchronizer.SwitchInfo) {
				if err := syncer.RefreshSwitch(info.ID); err != nil {
					logger.Error("initial refresh failed", slog.String("switch", info.ID.String()), slog.Any("error", err))
				}
			},
			Forgotten: func(info synchronizer.SwitchInfo) {
				logger.Info("switch forgotten", slog.String("switch", info.ID.String()))
			},
		})
		if err != nil {
			return fmt.Errorf("switch registry error: %w", err)
		}
		return nil
	})
	syncer.RefreshAllSwitches()

	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(next config.File) {
			engine.SetPolicy(next.Staleness)
			logger.Info("staleness policy updated",
				slog.Duration("maxAge", next.Staleness.MaxAge),
				slog.Duration("refreshTimeout", next.Staleness.RefreshTimeout))
			if next.Pool != fileCfg.Pool || next.Sync != fileCfg.Sync {
				logger.Warn("pool and sync settings take effect after restart")
			}
		}, config.WatcherOptions{Logger: logger})
		g.Go(func() error {
			return watcher.Run(runCtx)
		})
	}

	if demoRouter != nil && cfg.DemoSwitches > 0 {
		g.Go(func() error {
			runDemoSwitches(runCtx, logger, demoRouter, cfg.DemoSwitches)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Starting Flow Cache API Server",
			slog.String("address", cfg.APIListenAddress),
			slog.Bool("tls", tlsEnabled))
		ready.Store(true)
		var err error
		if tlsEnabled {
			err = s.ListenAndServeTLS("", "")
		} else {
			err = s.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error running api server: %s", err)
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		ready.Store(false)
		logger.Debug("Shutting down Flow Cache API Server")
		shutdownCtx, sCancel := context.WithTimeout(context.Background(), time.Second)
		defer sCancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown did not complete gracefully: %s", err)
		}
		logger.Debug("Flow Cache API Server shutdown clean")
		return nil
	})

	if cfg.EnableProfile {
		// serve only over localhost loopback
		const pprofAddr = "localhost:9970"
		pprofSrv := &http.Server{
			Addr: pprofAddr,
		}
		g.Go(func() error {
			logger.Info("Starting Flow Cache Profiling Server",
				slog.String("address", pprofAddr))
			err := pprofSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error running profiler server: %s", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, sCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer sCancel()
			if err := pprofSrv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("pprof server shutdown did not complete gracefully: %s", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}
	return nil
}

func main() {
	var cfg Config
	flags := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	// if -version used, report and exit
	isVersion := flags.Bool("version", false, "Report the version of the Flow Cache")

	flags.StringVar(&cfg.RouterURL, "router-endpoint", "", "URL to the amqp(s) endpoint switch agents are reachable through. Empty runs simulated switches in process")
	flags.StringVar(&cfg.RouterTLS.Cert, "router-tls-cert", "", "Path to the client certificate for the router endpoint")
	flags.StringVar(&cfg.RouterTLS.Key, "router-tls-key", "", "Path to the client key for the router endpoint")
	flags.StringVar(&cfg.RouterTLS.CA, "router-tls-ca", "", "Path to the CA certificate file for the router endpoint")
	flags.BoolVar(&cfg.RouterTLS.SkipVerify, "router-tls-insecure", false, "Set to skip verification of the router certificate and host name")
	flags.IntVar(&cfg.DemoSwitches, "demo-switches", 3, "Number of simulated switches when no router endpoint is set")

	flags.StringVar(&cfg.APIListenAddress, "listen", ":8080", "The address that the API Server will listen on")
	flags.BoolVar(&cfg.APIEnableAccessLogs, "enable-access-logs", false, "Enable access logging for the API Server")
	flags.StringVar(&cfg.APITLS.Cert, "tls-cert", "", "Path to the API Server certificate file")
	flags.StringVar(&cfg.APITLS.Key, "tls-key", "", "Path to the API Server certificate key file matching tls-cert")
	flags.BoolVar(&cfg.CORSAllowAll, "cors-allow-all", false, "Development option to allow all origins")

	flags.StringVar(&cfg.ConfigFile, "config", "", "Path to the YAML configuration file, watched for changes. Defaults to $"+config.EnvPath)
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level: debug, info, warn or error")
	flags.StringVar(&cfg.ReportLoggingLevel, "report-logging-profile", "silent", "Controls logging of switch reports. Options are silent, minimal, moderate and all")
	flags.BoolVar(&cfg.EnableProfile, "profile", false, "Exposes the runtime profiling facilities from net/http/pprof on http://localhost:9970")

	flags.Parse(os.Args[1:])
	if *isVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	if err := run(cfg); err != nil {
		slog.Error("flow cache run error", slog.Any("error", err))
		os.Exit(1)
	}
}

func configureSession(tlsCfg TLSSpec) (session.Config, error) {
	var ctrCfg session.Config
	if tlsCfg == (TLSSpec{}) {
		return ctrCfg, nil
	}
	var err error
	ctrCfg.TLSConfig, err = tlsCfg.config()
	if err != nil {
		return ctrCfg, err
	}
	ctrCfg.SASLExternal = tlsCfg.hasCert()
	return ctrCfg, nil
}

// mockFactory hands out containers attached to one in-process router.
type mockFactory struct {
	router *session.MockRouter
}

func (f mockFactory) Create() session.Container {
	return session.NewMockContainer(f.router)
}
