// Command amsd runs a configuration server, a registrar, or both, for the
// message spaces described by a topology catalog.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/amsd/internal/config"
	"github.com/dreamware/amsd/internal/configserver"
	"github.com/dreamware/amsd/internal/daemon"
	"github.com/dreamware/amsd/internal/logging"
	"github.com/dreamware/amsd/internal/metrics"
	"github.com/dreamware/amsd/internal/registrar"
	"github.com/dreamware/amsd/internal/topology"
	"github.com/dreamware/amsd/internal/transport"
	"github.com/dreamware/amsd/internal/transport/httpts"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "amsd",
		Short: "Configuration server and registrar daemon for AMS message spaces",
		Long: `amsd serves the control plane of one or more AMS message spaces.

Given --cs it runs the configuration server bound at that endpoint ("@" for
<hostname>:2357). Given --app, --authority and --unit it runs the registrar
of that cell. Every setting can also be supplied as an AMSD_* environment
variable, e.g. AMSD_HEARTBEAT_INTERVAL=5s.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	if err := config.RegisterFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

// run wires the daemon for cfg and blocks until ctx is done or the
// supervisor fails.
func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	svc := httpts.New(httpts.Config{SendTimeout: cfg.SendTimeout, Logger: log})
	topo, err := loadTopology(cfg.Catalog, svc)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(reg)

	sup := daemon.New(newEngines(cfg, topo, svc, rec, log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func loadTopology(path string, svc transport.Service) (*topology.Topology, error) {
	cat, err := topology.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	return cat.Build(svc.ParseEndpoint)
}

// newEngines builds the supervisor configuration for the engines cfg
// requires.
func newEngines(cfg *config.Config, topo *topology.Topology, svc transport.Service, rec *metrics.Recorder, log *zap.Logger) daemon.Config {
	dc := daemon.Config{Interval: cfg.SupervisorInterval, Logger: log}
	if cfg.RunsCS() {
		dc.CS = configserver.New(configserver.Config{
			Topology:          topo,
			Transport:         svc,
			Logger:            log,
			Metrics:           rec,
			EndpointSpec:      cfg.CSSpec,
			HeartbeatInterval: cfg.HeartbeatInterval,
			QueueDepth:        cfg.QueueDepth,
		})
	}
	if cfg.RunsRS() {
		dc.RS = registrar.New(registrar.Config{
			Topology:          topo,
			Transport:         svc,
			Logger:            log,
			Metrics:           rec,
			AppName:           cfg.AppName,
			AuthorityName:     cfg.AuthorityName,
			UnitName:          cfg.UnitName,
			EndpointSpec:      cfg.RSSpec,
			HeartbeatInterval: cfg.HeartbeatInterval,
			QueueDepth:        cfg.QueueDepth,
		})
	}
	return dc
}

func newMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
