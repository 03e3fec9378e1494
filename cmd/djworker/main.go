package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rayyansys/djworker/internal/config"
	"github.com/rayyansys/djworker/internal/djdb"
	"github.com/rayyansys/djworker/internal/enqueue"
	"github.com/rayyansys/djworker/internal/logger"
	"github.com/rayyansys/djworker/internal/registry"
	"github.com/rayyansys/djworker/internal/telemetry"
	"github.com/rayyansys/djworker/internal/worker"
	"github.com/rayyansys/djworker/migrations"
)

var (
	enqueueQueue       string
	enqueueMethod      string
	enqueueArgsJSON    string
	enqueueUseInstance bool

	rootCmd = &cobra.Command{
		Use:   "djworker",
		Short: "Polls delayed_jobs and runs registered job handlers",
	}
)

func main() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker loop until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
	rootCmd.AddCommand(runCmd)

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <ClassName>",
		Short: "Insert a delayed_jobs row in the producer's handler format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(args[0])
		},
	}
	enqueueCmd.Flags().StringVar(&enqueueQueue, "queue", "default", "Target queue")
	enqueueCmd.Flags().StringVar(&enqueueMethod, "method", "run", "Method name (class+method form only)")
	enqueueCmd.Flags().StringVar(&enqueueArgsJSON, "args", "{}", "JSON object of arguments")
	enqueueCmd.Flags().BoolVar(&enqueueUseInstance, "instance", true, "Use the object/raw_attributes form instead of class+method")
	rootCmd.AddCommand(enqueueCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the delayed_jobs table and its leasing index if they don't already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker() error {
	log := logger.New("")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	log = logger.New(cfg.LogLevel)

	queues, err := cfg.QueueNames()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid QUEUES")
	}

	tc, stop := worker.NewTerminationContext(context.Background())
	defer stop()

	gateway, err := djdb.Connect(tc, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}

	var recorder telemetry.Recorder = telemetry.NoOp{}
	if cfg.TelemetryEnabled() {
		recorder = telemetry.NewLogRecorder(log, "")
	}

	reg := registry.New()
	// Job implementations are supplied by the embedding application: import
	// their packages here and call reg.Register("ClassName", ctor) before
	// Run starts. An unregistered class name becomes an abstract Job Record
	// and is settled as a retryable "Unsupported Job" error (spec §4.2).

	w := worker.New(gateway, reg, recorder, log, worker.Config{
		Queues:            queues,
		SleepDelay:        time.Duration(cfg.SleepDelaySeconds) * time.Second,
		MaxAttempts:       cfg.MaxAttempts,
		MaxRunTime:        time.Duration(cfg.MaxRunTimeSeconds) * time.Second,
		MaxBackoffSeconds: 0,
	}, worker.Identity())

	return w.Run(tc)
}

func runEnqueue(className string) error {
	log := logger.New("")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	log = logger.New(cfg.LogLevel)

	var args map[string]any
	if err := json.Unmarshal([]byte(enqueueArgsJSON), &args); err != nil {
		return fmt.Errorf("invalid --args JSON: %w", err)
	}

	gateway, err := djdb.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer gateway.Disconnect()

	e := enqueue.New(gateway)
	return e.Enqueue(context.Background(), className, args, enqueue.Options{
		Queue:           enqueueQueue,
		UseInstanceForm: enqueueUseInstance,
		MethodName:      enqueueMethod,
	})
}

// runMigrate applies the embedded delayed_jobs schema (migrations package)
// so the producer's table exists before "djworker run"/"djworker enqueue"
// ever touch it (spec §2 component table).
func runMigrate() error {
	log := logger.New("")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	log = logger.New(cfg.LogLevel)

	gateway, err := djdb.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer gateway.Disconnect()

	if err := gateway.ExecDDL(context.Background(), migrations.DelayedJobsSchema); err != nil {
		return fmt.Errorf("apply delayed_jobs schema: %w", err)
	}
	log.Info().Msg("delayed_jobs schema applied")
	return nil
}

