// Package main is the entry point for the polis-exec binary.
// It runs and validates pipeline documents and serves the admin endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/polisai/polis-exec/internal/admin"
	"github.com/polisai/polis-exec/internal/runner"
	"github.com/polisai/polis-exec/pkg/admission"
	"github.com/polisai/polis-exec/pkg/config"
	"github.com/polisai/polis-exec/pkg/logging"
	"github.com/polisai/polis-exec/pkg/metrics"
	"github.com/polisai/polis-exec/pkg/pipelinedef"
	"github.com/polisai/polis-exec/pkg/processors"
	"github.com/polisai/polis-exec/pkg/storage"
	"github.com/polisai/polis-exec/pkg/telemetry"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:     "polis-exec",
		Short:   "Pipeline execution engine",
		Version: version,
		Long:    `Runs graphs of processors connected by ports on a pool of worker threads.

Example:
  polis-exec run -f pipeline.yaml --threads 8
  polis-exec validate -f pipeline.hcl
  polis-exec serve --config polis-exec.yaml`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&g.logLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd(g), newValidateCmd(), newServeCmd(g))
	return rootCmd
}

// environment is the process-wide wiring built from the configuration.
type environment struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	runner   *runner.Runner
	shutdown func(context.Context) error
}

func setup(ctx context.Context, g *globalFlags, logOutput io.Writer) (*environment, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: logOutput,
	})
	slog.SetDefault(logger)

	kinds := processors.Default().Kinds()
	kindNames := make([]string, 0, len(kinds))
	for _, k := range kinds {
		kindNames = append(kindNames, k.Name)
	}
	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		Version:        version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Environment:    cfg.Telemetry.Environment,
		Insecure:       cfg.Telemetry.Insecure,
		Threads:        cfg.Executor.Threads,
		ProcessorKinds: kindNames,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	ctrl, err := admission.NewControllerFromFile(ctx, cfg.Admission.PolicyFile, cfg.Admission.Entrypoint, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	m := metrics.NewMetrics()
	r := runner.New(runner.Options{
		Admission:      ctrl,
		Runs:           storage.NewMemoryRunStore(cfg.Admin.MaxRuns),
		Metrics:        m,
		Logger:         logger,
		DefaultThreads: cfg.Executor.Threads,
		Profile:        cfg.Executor.ProfileProcessors,
	})
	return &environment{cfg: cfg, logger: logger, metrics: m, runner: r, shutdown: shutdown}, nil
}

func (env *environment) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := env.shutdown(ctx); err != nil {
		env.logger.Warn("Telemetry shutdown failed", "error", err)
	}
}

type runFlags struct {
	file    string
	threads int
	step    bool
	dump    bool
	watch   bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, g, f)
		},
	}
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Pipeline document (YAML, JSON or HCL)")
	cmd.Flags().IntVar(&f.threads, "threads", 0, "Worker threads (overrides document and config)")
	cmd.Flags().BoolVar(&f.step, "step", false, "Drive the executor step by step on one thread")
	cmd.Flags().BoolVar(&f.dump, "dump", false, "Print the executed graph in dot syntax")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "Re-run whenever the document changes")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runPipeline(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := setup(ctx, g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.close()

	// Watch callbacks run on timer goroutines; keep their output whole.
	var outMu sync.Mutex
	runOnce := func() error {
		doc, err := pipelinedef.LoadFile(f.file)
		if err != nil {
			return err
		}
		res, err := env.runner.Run(ctx, runner.Request{Document: doc, Threads: f.threads, Step: f.step})
		if res != nil {
			outMu.Lock()
			writeErr := writeResult(cmd.OutOrStdout(), res, f.dump)
			outMu.Unlock()
			if err == nil {
				err = writeErr
			}
		}
		return err
	}

	err = runOnce()
	if !f.watch {
		return err
	}
	if err != nil {
		env.logger.Error("Pipeline run failed", "file", f.file, "error", err)
	}

	env.logger.Info("Watching pipeline document", "file", f.file)
	return config.Watch(ctx, f.file, func() {
		if err := runOnce(); err != nil {
			env.metrics.RecordConfigReload("error")
			env.logger.Error("Pipeline re-run failed", "file", f.file, "error", err)
			return
		}
		env.metrics.RecordConfigReload("success")
	})
}

func writeResult(w io.Writer, res *runner.Result, dump bool) error {
	if dump && res.Executor != nil {
		if _, err := io.WriteString(w, res.Executor.DumpPipeline()); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Record)
}

func newValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline document without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := pipelinedef.LoadFile(file)
			if err != nil {
				return err
			}
			if err := pipelinedef.ValidateKinds(doc, processors.Default()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d processors, %d edges)\n",
				doc.Name, len(doc.Processors), len(doc.Edges))
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Pipeline document (YAML, JSON or HCL)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type serveFlags struct {
	addr      string
	pipelines []string
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin endpoints",
		Long: `Serves /healthz, /metrics, /queries and /runs. Pipelines given with
--pipeline are run in the background and show up in the query list while
they execute.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, g, f)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "Listen address (overrides admin.address)")
	cmd.Flags().StringSliceVarP(&f.pipelines, "pipeline", "f", nil, "Pipeline documents to run in the background")
	return cmd
}

func serve(cmd *cobra.Command, g *globalFlags, f *serveFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := setup(ctx, g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.close()

	addr := env.cfg.Admin.Address
	if f.addr != "" {
		addr = f.addr
	}
	srv, err := admin.Start(admin.ConfigFromRunner(addr, env.runner, env.metrics, env.logger))
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, path := range f.pipelines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := pipelinedef.LoadFile(path)
			if err != nil {
				env.logger.Error("Failed to load pipeline", "file", path, "error", err)
				return
			}
			if _, err := env.runner.Run(ctx, runner.Request{Document: doc}); err != nil {
				env.logger.Error("Background pipeline failed", "file", path, "error", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		env.logger.Info("Shutting down admin server")
	case serveErr = <-srv.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	wg.Wait()
	return serveErr
}
