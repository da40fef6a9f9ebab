package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/git-pkgs/schemaloader/client"
	"github.com/git-pkgs/schemaloader/internal/core"
	"github.com/git-pkgs/schemaloader/server"
)

type getOptions struct {
	server  string
	timeout time.Duration
}

func newGetCmd(a *app) *cobra.Command {
	opts := &getOptions{}
	cmd := &cobra.Command{
		Use:   "get <package[@constraint] | purl>",
		Short: "Print the schema of a package",
		Long: `Resolve a package reference and print its canonical JSON schema.

Without --server the configured store is read directly.`,
		Example: `  schemaloader get acme/widgets@^1.2.0 --store file --location ./schemas
  schemaloader get pkg:schema/acme/widgets@1.2.0 --server localhost:50051`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := core.ParseRef(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			var schema []byte
			if opts.server != "" {
				schema, err = a.getRemote(ctx, opts.server, ref)
			} else {
				schema, err = a.getLocal(ctx, ref)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "", "gRPC address of a running schemaloader")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout (0 disables)")
	return cmd
}

func (a *app) getLocal(ctx context.Context, ref core.PackageRef) ([]byte, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", a.cfg.Store.Kind, err)
	}
	defer closeStore(store)

	// One-shot lookups need no background sweep.
	a.cfg.Cache.JanitorInterval = 0
	loader := a.newLoader(store, nil, noop.NewTracerProvider())
	defer func() { _ = loader.Close() }()

	resp, err := loader.GetSchema(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer resp.Release()

	level.Debug(a.logger).Log("msg", "resolved", "package", resp.Resolved.Name,
		"version", resp.Resolved.Version, "digest", resp.Document.Digest)
	if r, ok := store.(interface{ URLs() client.URLBuilder }); ok {
		urls := client.BuildURLs(r.URLs(), resp.Resolved.Name, resp.Resolved.Version)
		level.Debug(a.logger).Log("msg", "registry urls", "schema", urls["schema"],
			"versions", urls["versions"], "purl", urls["purl"])
	}
	return resp.Schema, nil
}

func (a *app) getRemote(ctx context.Context, addr string, ref core.PackageRef) ([]byte, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := server.NewLoaderClient(conn).GetSchema(ctx, &server.GetSchemaRequest{
		Package: ref.Name,
		Version: ref.Constraint,
	})
	if err != nil {
		return nil, err
	}

	level.Debug(a.logger).Log("msg", "resolved", "package", ref.Name,
		"version", resp.Version, "digest", resp.Digest)
	return resp.Schema, nil
}
