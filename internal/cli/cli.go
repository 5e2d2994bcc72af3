// ============================================================================
// fleetbatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the processor and operating on jobs
//
// Command Structure:
//   fleetbatch                      # Root command
//   ├── --config, -c               # YAML or TOML config file (optional)
//   ├── run                        # Start processor, HTTP API, admin gRPC
//   ├── submit -f job.json         # Partition and enqueue a job
//   ├── status [jobID]             # Job status, or queue stats without jobID
//   ├── results <jobID>            # Aggregated results of a job
//   ├── deadletter list|clear      # Inspect or purge the dead-letter queue
//   └── cleanup                    # Sweep expired results and cache entries
//
// Remote Mode:
//   submit, status, results and deadletter accept --admin host:port and talk
//   to a running node over the gRPC admin service. Without it they open the
//   configured backends directly. The local queue journal is single-process:
//   use --admin (or the redis backend) while `run` is active.
//
// Signal Handling:
//   run shuts down on SIGINT/SIGTERM:
//   1. Stop polling, wait up to processor.shutdown_grace for in-flight batches
//   2. Stop HTTP and gRPC servers
//   3. Drain background cache writes and dead-letter deletions
//   4. Close queue, blob store and redis connections
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fleetbatch/internal/config"
	"github.com/ChuLiYu/fleetbatch/internal/processor"
	"github.com/ChuLiYu/fleetbatch/internal/server"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

const (
	version        = "0.3.0"
	remoteTimeout  = 30 * time.Second
	serverShutdown = 10 * time.Second
)

type options struct {
	configFile string
	adminAddr  string
}

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "fleetbatch",
		Short: "fleetbatch: reliable batch processing for VM telemetry queries",
		Long: `fleetbatch splits large telemetry requests into batches and processes them with:
- visibility-timeout queue leasing and dead-lettering
- per-batch result persistence and partial aggregation
- a TTL cache for expensive reads`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (.yaml, .yml or .toml)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildResultsCommand(opts))
	rootCmd.AddCommand(buildDeadLetterCommand(opts))
	rootCmd.AddCommand(buildCleanupCommand(opts))

	return rootCmd
}

func (o *options) load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, config.NewLogger(cfg.Logging, stderr), nil
}

// withApp loads config, opens the backends and runs fn.
func (o *options) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := o.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// withAdmin dials the admin service and runs fn.
func (o *options) withAdmin(cmd *cobra.Command, fn func(ctx context.Context, c *server.AdminClient) error) error {
	conn, err := grpc.NewClient(o.adminAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to admin %s: %w", o.adminAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()
	return fn(ctx, server.NewAdminClient(conn))
}

func addAdminFlag(cmd *cobra.Command, opts *options) {
	cmd.Flags().StringVar(&opts.adminAddr, "admin", "", "admin gRPC address of a running node (e.g. localhost:50051)")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the batch processor",
		Long:  "Start the processor poll loop together with the HTTP API, the admin gRPC service and periodic cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return opts.withApp(cmd, func(_ context.Context, a *app) error {
				return runNode(ctx, a)
			})
		},
	}
}

// runNode runs the processor and servers until ctx is cancelled.
func runNode(ctx context.Context, a *app) error {
	cfg := a.cfg
	proc, err := processor.New(a.queue, a.results, a.execute, processor.Config{
		MaxConcurrent: cfg.Processor.MaxConcurrent,
		PollInterval:  cfg.Processor.PollInterval,
		IdleInterval:  cfg.Processor.IdleInterval,
		ShutdownGrace: cfg.Processor.ShutdownGrace,
	}, processor.WithLogger(a.log), processor.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	if err := proc.Start(ctx); err != nil {
		return err
	}

	admin := server.NewAdmin(a.queue, a.results, proc, server.WithDefaultBatchSize(cfg.Processor.BatchSize))
	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if cfg.HTTP.Enabled {
		httpSrv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           server.NewRouter(admin, a.metrics, a.log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.log.Info("http api listening", "addr", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var grpcSrv *grpc.Server
	if cfg.Admin.Enabled {
		lis, err := net.Listen("tcp", cfg.Admin.Addr)
		if err != nil {
			_, _ = proc.Stop(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.Addr, err)
		}
		grpcSrv = server.NewGRPCServer(admin, a.log)
		go func() {
			a.log.Info("admin grpc listening", "addr", lis.Addr().String())
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	if cfg.Cleanup.Enabled {
		go cleanupLoop(ctx, a, cfg.Cleanup.Interval)
	}

	a.log.Info("fleetbatch node started")

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("received shutdown signal, stopping gracefully")
	case runErr = <-errCh:
		a.log.Error("server failed, shutting down", "error", runErr)
	}

	report, err := proc.Stop(context.Background())
	if err != nil {
		a.log.Warn("processor stop failed", "error", err)
	} else if report.Abandoned > 0 {
		a.log.Warn("batches abandoned at shutdown; they will be redelivered", "abandoned", report.Abandoned)
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdown)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown failed", "error", err)
		}
		cancel()
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	a.log.Info("fleetbatch node stopped")
	return runErr
}

// cleanupLoop sweeps expired results and cache entries every interval.
func cleanupLoop(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, cached, err := a.cleanup(ctx)
			if err != nil {
				a.log.Error("cleanup failed", "error", err)
				continue
			}
			a.log.Info("cleanup finished", "results_deleted", res, "cache_deleted", cached)
		}
	}
}

// ============================================================================
// submit
// ============================================================================

// jobFile is the submit input; jobId and batchSize are optional.
type jobFile struct {
	JobID     string          `json:"jobId" yaml:"jobId"`
	Items     []string        `json:"items" yaml:"items"`
	BatchSize int             `json:"batchSize" yaml:"batchSize"`
	Params    types.JobParams `json:"params" yaml:"params"`
}

func buildSubmitCommand(opts *options) *cobra.Command {
	var file string
	var batchSize int

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job from a JSON or YAML file",
		Long:  "Partition the job's work items into batches, record the job as PENDING and enqueue every batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := readJobFile(file)
			if err != nil {
				return err
			}
			if job.JobID == "" {
				job.JobID = uuid.NewString()
			}
			if batchSize > 0 {
				job.BatchSize = batchSize
			}
			req := server.SubmitRequest{JobID: job.JobID, Items: job.Items, BatchSize: job.BatchSize, Params: job.Params}

			var sub *processor.Submission
			if opts.adminAddr != "" {
				err = opts.withAdmin(cmd, func(ctx context.Context, c *server.AdminClient) error {
					sub, err = c.SubmitJob(ctx, req)
					return err
				})
			} else {
				err = opts.withApp(cmd, func(ctx context.Context, a *app) error {
					if req.BatchSize <= 0 {
						req.BatchSize = a.cfg.Processor.BatchSize
					}
					sub, err = processor.Submit(ctx, a.queue, a.results, req.JobID, req.Items, req.BatchSize, req.Params)
					return err
				})
			}
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), sub)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "job file (.json, .yaml or .yml)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "max work items per batch (overrides the job file and config)")
	_ = cmd.MarkFlagRequired("file")
	addAdminFlag(cmd, opts)
	return cmd
}

func readJobFile(path string) (*jobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var job jobFile
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &job)
	default:
		err = json.Unmarshal(data, &job)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(job.Items) == 0 {
		return nil, errors.New("job file has no items")
	}
	return &job, nil
}

// ============================================================================
// status / results
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [jobID]",
		Short: "Show job status, or queue statistics when no job is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			var err error
			if opts.adminAddr != "" {
				err = opts.withAdmin(cmd, func(ctx context.Context, c *server.AdminClient) error {
					if len(args) == 1 {
						out, err = c.JobStatus(ctx, args[0])
					} else {
						out, err = c.Stats(ctx)
					}
					return err
				})
			} else {
				err = opts.withApp(cmd, func(ctx context.Context, a *app) error {
					if len(args) == 1 {
						out, err = a.results.GetJobStatus(ctx, args[0])
					} else {
						out, err = server.NewAdmin(a.queue, a.results, nil).Snapshot(ctx)
					}
					return err
				})
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	addAdminFlag(cmd, opts)
	return cmd
}

func buildResultsCommand(opts *options) *cobra.Command {
	var summaryOnly bool

	cmd := &cobra.Command{
		Use:   "results <jobID>",
		Short: "Aggregate and print a job's results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var agg *types.AggregateResult
			var err error
			if opts.adminAddr != "" {
				err = opts.withAdmin(cmd, func(ctx context.Context, c *server.AdminClient) error {
					agg, err = c.AggregateResults(ctx, args[0])
					return err
				})
			} else {
				err = opts.withApp(cmd, func(ctx context.Context, a *app) error {
					agg, err = a.results.AggregateResults(ctx, args[0])
					return err
				})
			}
			if err != nil {
				return err
			}
			if summaryOnly {
				return printJSON(cmd.OutOrStdout(), agg.Summary)
			}
			return printJSON(cmd.OutOrStdout(), agg)
		},
	}
	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "print only the batch summary")
	addAdminFlag(cmd, opts)
	return cmd
}

// ============================================================================
// deadletter / cleanup
// ============================================================================

func buildDeadLetterCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect or purge the dead-letter queue",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []server.DeadLetterEntry
			var err error
			if opts.adminAddr != "" {
				err = opts.withAdmin(cmd, func(ctx context.Context, c *server.AdminClient) error {
					records, err = c.ListDeadLettered(ctx, limit)
					return err
				})
			} else {
				err = opts.withApp(cmd, func(ctx context.Context, a *app) error {
					l, lerr := server.NewAdmin(a.queue, a.results, nil).DeadLettered(ctx, limit)
					records = l.Records
					return lerr
				})
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), server.DeadLetterList{Records: records})
		},
	}
	list.Flags().IntVar(&limit, "max", 0, "maximum number of records (0 lists all)")
	addAdminFlag(list, opts)

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every dead-letter record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var n int
			var err error
			if opts.adminAddr != "" {
				err = opts.withAdmin(cmd, func(ctx context.Context, c *server.AdminClient) error {
					n, err = c.ClearDeadLetter(ctx)
					return err
				})
			} else {
				err = opts.withApp(cmd, func(ctx context.Context, a *app) error {
					n, err = a.queue.ClearDeadLetter(ctx)
					return err
				})
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"cleared": n})
		},
	}
	addAdminFlag(clearCmd, opts)

	cmd.AddCommand(list, clearCmd)
	return cmd
}

func buildCleanupCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired batch results and cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res, cached, err := a.cleanup(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{
					"resultsDeleted": res,
					"cacheDeleted":   cached,
				})
			})
		},
	}
}
