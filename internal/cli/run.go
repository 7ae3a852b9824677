package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/realmsup/internal/bridge"
	"github.com/roach88/realmsup/internal/composition"
	"github.com/roach88/realmsup/internal/config"
	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/store"
	"github.com/roach88/realmsup/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Config   string
	Socket   string

	// ready, if set, receives the realm once it is composed and its
	// loops have been started. Used by tests.
	ready func(*composition.Realm)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <topology-dir>",
		Short: "Compose a realm and run its supervisors",
		Long: `Compose the realm described by a CUE topology and run every supervisor.

Each supervisor journals its records to a fresh SQLite database. With
--socket, capabilities are reachable from other processes through the
bridge (see "realmsup call"). The capability ids of every client and
component are printed at startup.

Example:
  realmsup run --db ./realm.db ./topology
  realmsup run --config ./realmsup.toml --socket /tmp/realm.sock ./topology`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRealm(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (overrides config)")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to TOML config file")
	cmd.Flags().StringVar(&opts.Socket, "socket", "", "Unix socket for the capability bridge (overrides config)")

	return cmd
}

// resolveConfig applies the config file, environment and flags in order.
func resolveConfig(opts *RunOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	config.ApplyEnv(&cfg)

	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Socket != "" {
		cfg.Socket = opts.Socket
	}
	if opts.Verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	return cfg, nil
}

func runRealm(opts *RunOptions, dir string, cmd *cobra.Command) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	logger := slog.New(handler).With("service", cfg.Name)
	slog.SetDefault(logger)

	logger.Info("loading topology", "dir", dir)
	loaded, err := LoadTopology(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile topology", err)
	}
	topo := loaded.Topology
	topo.Badges = cfg.ApplyBadges(topo.Badges)

	hash, err := ir.TopologyHash(topo)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to hash topology", err)
	}
	body, err := ir.MarshalCanonical(topo)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode topology", err)
	}

	logger.Info("opening journal", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	// Registration is once per supervisor lifetime and seqs restart with
	// the realm, so a journal is never reused.
	stats, err := st.Stats(parentCtx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	if stats.Records > 0 || stats.Bindings > 0 {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("journal %s already holds %d record(s); use a new --db", cfg.Database, stats.Records))
	}
	if err := st.WriteTopology(parentCtx, hash, topo.Realm, body); err != nil {
		return WrapExitError(ExitCommandError, "failed to journal topology", err)
	}

	metrics, err := telemetry.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create metrics", err)
	}

	c, err := composition.New(topo,
		composition.WithJournal(st),
		composition.WithMetrics(metrics),
		composition.WithLogger(logger),
		composition.WithReceiveDeadline(cfg.ReceiveDeadline))
	if err != nil {
		return WrapExitError(ExitFailure, "invalid topology", err)
	}
	if err := c.Compose(parentCtx); err != nil {
		return WrapExitError(ExitFailure, "failed to compose realm", err)
	}
	realm, err := c.Finalize()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to compose realm", err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			// Closing the endpoints first lets the loops dispatch what is
			// queued before the bridge goes away.
			realm.Stop()
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	printCapabilities(cmd, realm, hash)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return realm.Run(gctx) })
	if cfg.Socket != "" {
		srv := bridge.NewServer(cfg.Socket, realm.Registry(), logger)
		g.Go(func() error {
			err := srv.Serve(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		fmt.Fprintf(cmd.OutOrStdout(), "Bridge listening on %s\n", cfg.Socket)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Realm running. Press Ctrl-C to stop.")
	if opts.ready != nil {
		opts.ready(realm)
	}

	err = g.Wait()
	realm.Stop()
	if err != nil {
		return WrapExitError(ExitFailure, "realm error", err)
	}

	logger.Info("realm stopped gracefully")
	return nil
}

// printCapabilities lists the request and fault capability ids handed out
// at composition, so operators can address them with "realmsup call".
func printCapabilities(cmd *cobra.Command, realm *composition.Realm, hash string) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Realm %d composed (topology %s)\n", realm.ID(), shortHash(hash))
	for _, m := range realm.Manifests() {
		for _, s := range m.Slots {
			if s.CapabilityID == "" {
				continue
			}
			fmt.Fprintf(w, "  %s.%s  %s  badge=%d\n", m.Component, s.Name, s.CapabilityID, s.Badge)
		}
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
