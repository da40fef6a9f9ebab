package main

import (
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/git-pkgs/schemaloader"
	_ "github.com/git-pkgs/schemaloader/all"
	"github.com/git-pkgs/schemaloader/internal/cache"
	"github.com/git-pkgs/schemaloader/internal/config"
	"github.com/git-pkgs/schemaloader/internal/core"
	"github.com/git-pkgs/schemaloader/internal/httpstore"
	"github.com/git-pkgs/schemaloader/internal/service"
	"github.com/git-pkgs/schemaloader/internal/version"
)

var appVersion = "dev"

// app carries state shared by all subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	logger  log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: log.NewNopLogger()}

	root := &cobra.Command{
		Use:           "schemaloader",
		Short:         "Serve package schema documents",
		Long:          `schemaloader resolves package version constraints and serves the matching schema documents from a memory, file or http store.`,
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (YAML)")
	pf.String("store", "", "store kind: memory, file or http")
	pf.String("location", "", "store location: seed file, root directory or base URL")
	pf.String("log-level", "", "log level: debug, info, warn or error")

	// Bind flags to viper
	_ = a.v.BindPFlag("store.kind", pf.Lookup("store"))
	_ = a.v.BindPFlag("store.location", pf.Lookup("location"))
	_ = a.v.BindPFlag("log.level", pf.Lookup("log-level"))

	root.AddCommand(newServeCmd(a), newGetCmd(a), newStoresCmd())
	return root
}

func (a *app) load(stderr io.Writer) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// openStore creates the configured store. Rate limits only apply to the
// http store.
func (a *app) openStore() (core.Store, error) {
	sc := a.cfg.Store
	if sc.Kind != "http" {
		return schemaloader.OpenStore(sc.Kind, sc.Location)
	}

	opts := []httpstore.Option{httpstore.WithLogger(a.logger)}
	if sc.RateLimit > 0 {
		opts = append(opts, httpstore.WithRateLimit(sc.RateLimit, sc.RateBurst))
	}
	return httpstore.New(sc.Location, opts...)
}

func (a *app) newLoader(store core.Store, reg prometheus.Registerer, tp trace.TracerProvider) *schemaloader.Loader {
	cc := a.cfg.Cache
	rc := a.cfg.Resolver
	return schemaloader.NewLoader(store,
		schemaloader.WithLogger(a.logger),
		schemaloader.WithRegisterer(reg),
		schemaloader.WithCacheOptions(
			cache.WithBudget(cc.BudgetBytes),
			cache.WithMaxIdle(cc.MaxIdle),
			cache.WithJanitorInterval(cc.JanitorInterval),
			cache.WithFetchTimeout(cc.FetchTimeout),
		),
		schemaloader.WithResolverOptions(
			version.WithListTTL(rc.ListTTL),
			version.WithListTimeout(rc.ListTimeout),
		),
		schemaloader.WithServiceOptions(service.WithTracerProvider(tp)),
	)
}

func closeStore(store core.Store) {
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}

func newStoresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "List the registered store kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, kind := range schemaloader.SupportedStores() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
			return nil
		},
	}
}
