// Package main is the entry point for the upsg binary. It loads pipeline
// definitions, runs them and prints the requested outputs as CSV.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/polisai/upsg/pkg/config"
	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/engine"
	"github.com/polisai/upsg/pkg/logging"
	"github.com/polisai/upsg/pkg/pipeline"
	"github.com/polisai/upsg/pkg/storage"
	"github.com/polisai/upsg/pkg/telemetry"
	"github.com/spf13/cobra"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// app carries the process-wide state built by the root command.
type app struct {
	logLevel     string
	logFormat    string
	envFile      string
	otlpEndpoint string
	otlpInsecure bool
	metricsAddr  string

	logger   *slog.Logger
	metrics  *telemetry.Metrics
	shutdown []func(context.Context) error
}

// newRootCmd creates the root command for upsg.
func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "upsg",
		Short: "Run dataflow pipelines built from typed stages",
		Long: `upsg executes pipeline graphs whose stages exchange data handles.
Only the stages needed for the requested outputs run, and intermediate data
is released as soon as its last consumer finishes.

Example:
  upsg run churn.yaml --output score.output --parallel 4`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.logLevel, "log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", defaultLogFormat, "Log format (text, json)")
	flags.StringVar(&a.envFile, "env-file", "", "Path to a .env file (default: ./.env when present)")
	flags.StringVar(&a.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for traces")
	flags.BoolVar(&a.otlpInsecure, "otlp-insecure", false, "Disable TLS for the OTLP exporter")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		newRunCmd(a),
		newPlanCmd(a),
		newValidateCmd(a),
		newWatchCmd(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := logging.ValidateLevel(a.logLevel); err != nil {
		return err
	}
	a.logger = logging.NewLogger(logging.Config{
		Level:  a.logLevel,
		Format: a.logFormat,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(a.logger)

	if err := config.LoadEnvFile(a.envFile); err != nil {
		return err
	}

	shutdown, err := telemetry.SetupProvider(cmd.Context(), telemetry.Config{
		Endpoint: a.otlpEndpoint,
		Insecure: a.otlpInsecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	a.shutdown = append(a.shutdown, shutdown)

	a.metrics = telemetry.NewMetrics()
	if a.metricsAddr != "" {
		a.startMetricsServer()
	}
	return nil
}

func (a *app) startMetricsServer() {
	server := &http.Server{
		Addr:              a.metricsAddr,
		Handler:           a.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("metrics server listening", "addr", a.metricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.shutdown = append(a.shutdown, server.Shutdown)
}

func (a *app) teardown(*cobra.Command, []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, a.shutdown[i](ctx))
	}
	a.shutdown = nil
	return errors.Join(errs...)
}

// runOptions are the per-invocation overrides of a definition file.
type runOptions struct {
	outputs  []string
	parallel int
	timeout  time.Duration
}

func (o *runOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&o.outputs, "output", "o", nil, "Requested output as node.key (repeatable; default: definition outputs)")
	cmd.Flags().IntVarP(&o.parallel, "parallel", "p", 0, "Maximum concurrently running stages (default: definition parallelism)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "Per-stage timeout (default: definition stage_timeout)")
}

func (o *runOptions) apply(spec *domain.PipelineSpec) {
	if len(o.outputs) > 0 {
		spec.Outputs = o.outputs
	}
	if o.parallel > 0 {
		spec.Parallelism = o.parallel
	}
	if o.timeout > 0 {
		spec.Timeout = domain.Duration(o.timeout)
	}
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a pipeline and print its outputs as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.Load(args[0])
			if err != nil {
				return err
			}
			opts.apply(spec)
			return a.runPipeline(cmd.Context(), spec, cmd.OutOrStdout())
		},
	}
	opts.register(cmd)
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Print the execution plan without running any stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.Load(args[0])
			if err != nil {
				return err
			}
			opts.apply(spec)
			built, err := engine.NewBuilder(nil, a.logger).Build(spec)
			if err != nil {
				return err
			}
			sim, err := engine.NewSimulator(a.logger, time.Duration(spec.Timeout)).Simulate(built.Graph, built.Terminals)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sim)
		},
	}
	opts.register(cmd)
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a definition and build its graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.Load(args[0])
			if err != nil {
				return err
			}
			built, err := engine.NewBuilder(nil, a.logger).Build(spec)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes, %d terminals)\n", spec.Name, built.Graph.Len(), len(built.Terminals))
			return err
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <file>",
		Short: "Run a pipeline now and again every time its file changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watcher, err := config.NewFileWatcher(args[0], a.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := watcher.Close(); err != nil {
					a.logger.Error("close watcher", "error", err)
				}
			}()

			ctx := cmd.Context()
			updates := watcher.Subscribe()
			for {
				select {
				case <-ctx.Done():
					return nil
				case spec, ok := <-updates:
					if !ok {
						return nil
					}
					if err := a.runPipeline(ctx, spec, cmd.OutOrStdout()); err != nil {
						// Keep watching; the next revision may fix it.
						a.logger.Error("pipeline run failed", "pipeline", spec.Name, "error", err, "code", domain.Code(err))
					}
				}
			}
		},
	}
}

// runPipeline builds spec, runs it against freshly opened backends and
// writes every terminal table to out.
func (a *app) runPipeline(ctx context.Context, spec *domain.PipelineSpec, out io.Writer) error {
	built, err := engine.NewBuilder(nil, a.logger).Build(spec)
	if err != nil {
		return err
	}

	env, closeEnv, err := a.openEnv(ctx, spec.Backends)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEnv(); err != nil {
			a.logger.Warn("close backends", "error", err)
		}
	}()

	ex := engine.NewExecutor(engine.ExecutorConfig{
		Name:         spec.Name,
		Logger:       a.logger,
		Env:          env,
		MaxParallel:  spec.Parallelism,
		StageTimeout: time.Duration(spec.Timeout),
		Metrics:      a.metrics,
	})
	res, err := ex.Run(ctx, built.Graph, built.Terminals)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Release(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("release outputs", "error", err)
		}
	}()
	return printOutputs(ctx, out, built, res)
}

// openEnv connects the backends named in spec. Without a database URL a
// sqlite file in the temp directory backs sql stages.
func (a *app) openEnv(ctx context.Context, backends domain.BackendsSpec) (*data.Env, func() error, error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	tempDir := backends.TempDir
	if tempDir == "" {
		dir, err := os.MkdirTemp("", "upsg-")
		if err != nil {
			return nil, nil, fmt.Errorf("create temp dir: %w", err)
		}
		tempDir = dir
		closers = append(closers, func() error { return os.RemoveAll(dir) })
	} else if err := os.MkdirAll(tempDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create temp dir: %w", err)
	}

	dbURL := backends.DatabaseURL
	if dbURL == "" {
		dbURL = "sqlite://" + filepath.Join(tempDir, "upsg.db")
	}
	sqlStore, err := storage.OpenSQL(ctx, dbURL, a.logger)
	if err != nil {
		return nil, nil, errors.Join(err, closeAll())
	}
	closers = append(closers, sqlStore.Close)

	env := &data.Env{
		TempDir:  tempDir,
		SQL:      sqlStore,
		Observer: engine.ConversionObserver(a.metrics),
		Logger:   a.logger,
	}

	if backends.Object.Enabled() {
		objects, err := storage.NewObjectStore(backends.Object, a.logger)
		if err != nil {
			return nil, nil, errors.Join(err, closeAll())
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return nil, nil, errors.Join(err, closeAll())
		}
		env.Objects = objects
	}
	return env, closeAll, nil
}

func printOutputs(ctx context.Context, out io.Writer, built *engine.Built, res *engine.Result) error {
	names := make(map[pipeline.NodeID]string, len(built.IDs))
	for name, id := range built.IDs {
		names[id] = name
	}
	for _, port := range built.Terminals {
		if port.Key == "" {
			continue
		}
		h, ok := res.Handle(port)
		if !ok {
			continue
		}
		t, err := h.ReadTable(ctx)
		if err != nil {
			return fmt.Errorf("read %s.%s: %w", names[port.Node], port.Key, err)
		}
		if _, err := fmt.Fprintf(out, "# %s.%s\n", names[port.Node], port.Key); err != nil {
			return err
		}
		if err := data.EncodeCSV(ctx, out, ',', t); err != nil {
			return err
		}
	}
	return nil
}
