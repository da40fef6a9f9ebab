package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/git-pkgs/schemaloader/internal/service"
	"github.com/git-pkgs/schemaloader/internal/tracing"
	"github.com/git-pkgs/schemaloader/server"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve schemas over gRPC and HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cmd)
		},
	}

	f := cmd.Flags()
	f.String("grpc-addr", "", "gRPC listen address (empty disables)")
	f.String("http-addr", "", "HTTP listen address (empty disables)")
	f.StringSlice("warm", nil, "package references to load on start")
	f.Bool("trace", false, "write spans to stderr")

	_ = a.v.BindPFlag("server.grpc_addr", f.Lookup("grpc-addr"))
	_ = a.v.BindPFlag("server.http_addr", f.Lookup("http-addr"))
	_ = a.v.BindPFlag("warm", f.Lookup("warm"))
	_ = a.v.BindPFlag("trace", f.Lookup("trace"))
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command) error {
	cfg := a.cfg
	if cfg.Server.GRPCAddr == "" && cfg.Server.HTTPAddr == "" {
		return errors.New("no listener configured: set server.grpc_addr or server.http_addr")
	}
	refs, err := cfg.WarmRefs()
	if err != nil {
		return err
	}

	var tp *tracing.Provider
	if cfg.Trace {
		tp, err = tracing.NewProvider(cmd.ErrOrStderr())
	} else {
		tp, err = tracing.NewProvider(nil)
	}
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := a.openStore()
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Kind, err)
	}
	defer closeStore(store)

	loader := a.newLoader(store, reg, tp.TracerProvider())
	defer func() { _ = loader.Close() }()

	level.Info(a.logger).Log("msg", "starting schemaloader", "version", appVersion,
		"store", cfg.Store.Kind, "location", cfg.Store.Location, "cache_budget", cfg.Cache.BudgetBytes)

	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.GRPCAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		srv := server.NewGRPCServer(loader.Service, a.logger,
			grpc.StatsHandler(otelgrpc.NewServerHandler(otelgrpc.WithTracerProvider(tp.TracerProvider()))),
		)
		g.Go(func() error {
			level.Info(a.logger).Log("msg", "grpc listening", "addr", lis.Addr().String())
			return srv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	if addr := cfg.Server.HTTPAddr; addr != "" {
		handler := server.NewHTTPHandler(loader.Service,
			server.WithGatherer(reg),
			server.WithCache(loader.Cache()),
			server.WithHTTPLogger(a.logger),
		)
		hs := &http.Server{
			Addr:              addr,
			Handler:           otelhttp.NewHandler(handler, "schemaloader.http", otelhttp.WithTracerProvider(tp.TracerProvider())),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			level.Info(a.logger).Log("msg", "http listening", "addr", addr)
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	if len(refs) > 0 {
		g.Go(func() error {
			results := loader.Warm(gctx, refs)
			if err := service.WarmErr(results); err != nil {
				level.Warn(a.logger).Log("msg", "some schemas could not be warmed", "err", err)
			}
			return nil
		})
	}

	err = g.Wait()
	level.Info(a.logger).Log("msg", "schemaloader stopped")
	return err
}
