// Command tangramd runs the Tangram server: the HTTP/2 API, the
// process dispatcher, and every backing subsystem, wired together
// through an explicit serverconfig.Server value (spec §9) the way the
// teacher's cli package wires ivaldi's subcommands through cobra.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tangramd/tangram/internal/api"
	"github.com/tangramd/tangram/internal/blob"
	"github.com/tangramd/tangram/internal/checkin"
	"github.com/tangramd/tangram/internal/checkout"
	"github.com/tangramd/tangram/internal/log"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/root"
	"github.com/tangramd/tangram/internal/runtime"
	"github.com/tangramd/tangram/internal/serverconfig"
	"github.com/tangramd/tangram/internal/store"
	"github.com/tangramd/tangram/internal/tgerror"
	"github.com/tangramd/tangram/internal/transport"
)

func main() {
	cfg := serverconfig.Default()

	var configPath string
	rootCmd := &cobra.Command{
		Use:   "tangramd",
		Short: "Tangram server: object store, process queue, and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := serverconfig.Load(configPath, &cfg); err != nil {
					return err
				}
				// Register the flags again over the loaded values and
				// re-parse, so explicit flags win over the file.
				fs := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
				fs.StringVar(&configPath, "config", configPath, "")
				cfg.Flags(fs)
				if err := fs.Parse(os.Args[1:]); err != nil {
					return err
				}
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	cfg.Flags(rootCmd.Flags())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg serverconfig.Server) error {
	if err := cfg.Finalize(); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	st, err := store.Open(cfg.Layout.Objects())
	if err != nil {
		return err
	}
	defer st.Close()

	packWriter, err := blob.NewPackWriter(cfg.Layout.Blobs())
	if err != nil {
		return err
	}
	builder := blob.NewBuilder(st, packWriter)
	blobReader := blob.NewReader(st, blob.NewPackReader(cfg.Layout.Blobs()))

	processes, err := process.Open(cfg.Layout.Processes())
	if err != nil {
		return err
	}
	defer processes.Close()

	logs := process.NewLogStore(cfg.Layout.Logs())

	roots, err := root.Open(cfg.Layout.Roots())
	if err != nil {
		return err
	}
	defer roots.Close()

	registry := runtime.NewRegistry()
	remotes := make([]runtime.RemoteQueue, 0, len(cfg.Remotes))
	for _, base := range cfg.Remotes {
		remotes = append(remotes, transport.NewRemoteHandle(base, nil))
	}
	dispatcherCfg := runtime.Config{
		Permits:            cfg.Permits,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatInterval),
		HeartbeatMissLimit: cfg.HeartbeatMissLimit,
	}
	dispatcher := runtime.NewDispatcher(processes, registry, dispatcherCfg, remotes...)

	server := &api.Server{
		Store:       st,
		Blobs:       blobReader,
		Builder:     builder,
		Processes:   processes,
		Logs:        logs,
		Roots:       roots,
		Tags:        checkin.NewTagIndex(),
		Checkout:    checkout.NewEngine(st, blobReader),
		Bundler:     checkout.NewBundler(st),
		Dispatcher:  dispatcher,
		CheckinPath: cfg.DataDir,
	}

	errs := make(chan error, 2)
	go func() {
		errs <- dispatcher.Run(ctx)
	}()
	go func() {
		errs <- serve(ctx, cfg, server)
	}()

	logger.Info().Str("address", cfg.Address).Msg("tangramd started")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

func serve(ctx context.Context, cfg serverconfig.Server, server *api.Server) error {
	ln, err := listen(cfg.Address)
	if err != nil {
		return err
	}
	defer ln.Close()
	return server.Serve(ctx, ln)
}

// listen parses cfg.Address (unix:// or http://host:port, per spec
// §6's TANGRAM_URL scheme list) into a net.Listener.
func listen(address string) (net.Listener, error) {
	switch {
	case len(address) >= len("unix://") && address[:len("unix://")] == "unix://":
		path := address[len("unix://"):]
		_ = os.Remove(path)
		return net.Listen("unix", path)
	case len(address) >= len("http://") && address[:len("http://")] == "http://":
		hostport := address[len("http://"):]
		return net.Listen("tcp", hostport)
	default:
		return nil, tgerror.Invalidf("unsupported address scheme %q", address)
	}
}
