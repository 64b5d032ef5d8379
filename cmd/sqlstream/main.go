package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/engine"
	"github.com/grafana/sqlstream/pkg/kafka"
	"github.com/grafana/sqlstream/pkg/materialize"
	"github.com/grafana/sqlstream/pkg/registry"
	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/transport"
)

const version = "0.1.0"

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if cfg.PrintVersion {
		fmt.Println("sqlstream, version " + version)
		os.Exit(0)
	}

	logger := newLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "validating config", "err", err)
		os.Exit(1)
	}
	if cfg.VerifyConfig {
		level.Info(logger).Log("msg", "config is valid")
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, logger, prometheus.DefaultRegisterer); err != nil {
		level.Error(logger).Log("msg", "error running sqlstream", "err", err)
		os.Exit(1)
	}
}

func newLogger(lvl dslog.Level) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, lvl.Option)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// server is a wired sqlstream host.
type server struct {
	engine   *engine.Engine
	services *services.Manager
	handler  http.Handler
	kafka    *kgo.Client
}

// newServer wires the engine with its catalog, query registry, runtime and
// routing.
func newServer(cfg Config, logger log.Logger, reg prometheus.Registerer) (*server, error) {
	var (
		s           = &server{}
		ms          = catalog.NewMemory()
		store       = materialize.NewStore()
		newConsumer materialize.ConsumerFactory
		offsets     kafka.OffsetsLookup
	)
	if cfg.Kafka.Enabled() {
		client, err := kafka.NewClient(cfg.Kafka, logger, reg)
		if err != nil {
			return nil, fmt.Errorf("creating kafka client: %w", err)
		}
		s.kafka = client
		offsets = kafka.NewAdminOffsets(client)
		newConsumer = func(opts ...kgo.Opt) (*kgo.Client, error) {
			return kafka.NewClient(cfg.Kafka, logger, nil, opts...)
		}
	} else {
		level.Warn(logger).Log("msg", "no kafka address configured, queries will not consume their sources")
	}

	runtime := materialize.NewRuntime(store, ms, newConsumer, logger)
	queries := registry.New(runtime, logger, reg)

	svcs := []services.Service{runtime, queries}
	locator, rm, err := newLocator(cfg.Routing, logger, reg)
	if err != nil {
		s.close()
		return nil, err
	}
	if rm != nil {
		svcs = append(svcs, rm)
	}
	client := transport.NewClient(&http.Client{})

	e, err := engine.New(engine.Params{
		Logger:      logger,
		Registerer:  reg,
		Config:      cfg.Engine,
		MetaStore:   ms,
		Registry:    queries,
		PullRouting: routing.NewHARouting(cfg.Routing, locator, store, client, logger, reg),
		PushRouting: routing.NewPushRouting(cfg.Routing, locator, queries.PushRegistry, client, logger, reg),
		Offsets:     offsets,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.engine = e

	s.services, err = services.NewManager(svcs...)
	if err != nil {
		s.close()
		return nil, err
	}

	forwarding := transport.NewHandler(e, e, logger)
	router := mux.NewRouter()
	router.Path(transport.PullPath).Handler(forwarding)
	router.Path(transport.PushPath).Handler(forwarding)
	if rm != nil {
		router.Path("/ring").Handler(rm)
	}
	router.Path("/metrics").Handler(promhttp.Handler())
	router.Path("/ready").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !s.services.IsHealthy() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	s.handler = router
	return s, nil
}

// newLocator returns the ring backed locator when the ring is enabled, and
// the static host list otherwise.
func newLocator(cfg routing.Config, logger log.Logger, reg prometheus.Registerer) (routing.Locator, *routing.RingManager, error) {
	if !cfg.Ring.Enabled {
		hosts := []string(cfg.Hosts)
		if len(hosts) == 0 {
			hosts = []string{cfg.LocalAddr}
		}
		return routing.StaticLocator{Hosts: hosts}, nil, nil
	}
	rm, err := routing.NewRingManager(cfg.Ring, cfg.LocalAddr, logger, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating ring: %w", err)
	}
	return routing.NewRingLocator(rm.Ring()), rm, nil
}

func (s *server) close() {
	if s.kafka != nil {
		s.kafka.Close()
	}
}

// run serves until ctx is done.
func run(ctx context.Context, cfg Config, logger log.Logger, reg prometheus.Registerer) error {
	s, err := newServer(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer s.close()

	if err := services.StartManagerAndAwaitHealthy(ctx, s.services); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	defer func() {
		if err := services.StopManagerAndAwaitStopped(context.Background(), s.services); err != nil {
			level.Warn(logger).Log("msg", "failed to stop services", "err", err)
		}
	}()

	srv := &http.Server{Addr: cfg.HTTPListenAddress, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "starting sqlstream", "version", version, "addr", cfg.HTTPListenAddress, "local_address", cfg.Routing.LocalAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		level.Info(logger).Log("msg", "shutting down")
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
