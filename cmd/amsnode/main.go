// Command amsnode joins a message space as a control-plane participant and
// logs membership changes until interrupted, then leaves.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/amsd/internal/logging"
	"github.com/dreamware/amsd/internal/participant"
	"github.com/dreamware/amsd/internal/topology"
	"github.com/dreamware/amsd/internal/transport/httpts"
)

var errUnknownName = errors.New("unknown name in catalog")

type options struct {
	catalog   string
	app       string
	authority string
	unit      string
	role      string
	endpoint  string
	logLevel  string
	report    time.Duration
	timeout   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "amsnode",
		Short:        "Join an AMS message space and report its membership",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.catalog, "catalog", "", "path of the topology catalog")
	f.StringVar(&opts.app, "app", "", "application name")
	f.StringVar(&opts.authority, "authority", "", "authority name")
	f.StringVar(&opts.unit, "unit", "", "unit name; empty for the root unit")
	f.StringVar(&opts.role, "role", "", "role name")
	f.StringVar(&opts.endpoint, "endpoint", "", "own endpoint; empty picks one")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	f.DurationVar(&opts.report, "report-interval", 30*time.Second, "interval between roster reports")
	f.DurationVar(&opts.timeout, "registrar-timeout", time.Minute, "registrar silence before reconnecting")
	_ = cmd.MarkFlagRequired("catalog")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("authority")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

// identity is a node's resolved venture, unit and role numbers.
type identity struct {
	venture, unit, role int
	csEndpoints         []string
}

// resolve maps the catalogued names in opts to numbers.
func resolve(cat *topology.Catalog, opts options) (identity, error) {
	for _, vs := range cat.Ventures {
		if vs.Application != opts.app || vs.Authority != opts.authority {
			continue
		}
		id := identity{venture: vs.Nbr, unit: -1, csEndpoints: cat.CSEndpoints}
		if opts.unit == "" {
			id.unit = 0
		}
		for _, us := range vs.Units {
			if us.Name == opts.unit {
				id.unit = us.Nbr
			}
		}
		for _, rs := range vs.Roles {
			if rs.Name == opts.role {
				id.role = rs.Nbr
			}
		}
		switch {
		case id.unit < 0:
			return identity{}, fmt.Errorf("%w: unit %q", errUnknownName, opts.unit)
		case id.role == 0:
			return identity{}, fmt.Errorf("%w: role %q", errUnknownName, opts.role)
		}
		return id, nil
	}
	return identity{}, fmt.Errorf("%w: venture %s(%s)", errUnknownName, opts.app, opts.authority)
}

func run(ctx context.Context, opts options) error {
	log, err := logging.New(logging.Config{Level: opts.logLevel, Development: true})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cat, err := topology.LoadCatalog(opts.catalog)
	if err != nil {
		return err
	}
	id, err := resolve(cat, opts)
	if err != nil {
		return err
	}

	node := participant.New(participant.Config{
		Transport:        httpts.New(httpts.Config{Logger: log}),
		Logger:           log,
		CSEndpoints:      id.csEndpoints,
		VentureNbr:       id.venture,
		UnitNbr:          id.unit,
		RoleNbr:          id.role,
		EndpointSpec:     opts.endpoint,
		RegistrarTimeout: opts.timeout,
	})
	if err := node.Join(ctx); err != nil {
		node.Close()
		return fmt.Errorf("join: %w", err)
	}
	log.Info("node joined", zap.Int("node", node.NodeNbr()), zap.String("endpoint", node.Endpoint()))

	ticker := time.NewTicker(opts.report)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return node.Leave()
		case <-node.Dead():
			node.Close()
			return participant.ErrDead
		case <-ticker.C:
			for _, p := range node.Peers() {
				log.Info("peer",
					zap.Int("unit", p.UnitNbr), zap.Int("node", p.NodeNbr),
					zap.Int("role", p.RoleNbr), zap.String("endpoint", p.Endpoint))
			}
		}
	}
}
