// Package worker implements the Worker Loop (spec §4.6): lease one row,
// construct its Job Record, run it under a per-job timeout, and settle the
// outcome. It owns the only blocking, serial loop in the process; no
// intra-process parallelism over jobs is permitted (spec §5).
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rayyansys/djworker/internal/djdb"
	"github.com/rayyansys/djworker/internal/handler"
	"github.com/rayyansys/djworker/internal/job"
	"github.com/rayyansys/djworker/internal/registry"
	"github.com/rayyansys/djworker/internal/telemetry"
)

const leaseSQLTemplate = `
UPDATE delayed_jobs
   SET locked_at = $1, locked_by = $2
 WHERE id IN (
   SELECT id FROM delayed_jobs
    WHERE ((run_at <= $1 AND (locked_at IS NULL OR locked_at < $3)) OR locked_by = $2)
      AND failed_at IS NULL
      AND queue = ANY($4)
    ORDER BY priority ASC, run_at ASC
    LIMIT 1
    FOR UPDATE
 )
RETURNING %s`

// Config carries the settings a Worker needs that were sourced from
// environment variables (spec §6). It is a plain value: no behavior lives
// here beyond what Worker reads from it.
type Config struct {
	Queues            []string
	SleepDelay        time.Duration
	MaxAttempts       int
	MaxRunTime        time.Duration
	MaxBackoffSeconds int
	ExtraFields       []string
}

// Worker runs the lease/dispatch/settle loop against one Gateway.
type Worker struct {
	gateway  djdb.Gateway
	registry *registry.Registry
	recorder telemetry.Recorder
	log      zerolog.Logger
	cfg      Config
	self     string
}

// New constructs a Worker. self identifies this process as the lease
// owner; Identity() builds the conventional "host:<hostname> pid:<pid>"
// form (spec §3).
func New(gateway djdb.Gateway, reg *registry.Registry, recorder telemetry.Recorder, log zerolog.Logger, cfg Config, self string) *Worker {
	if recorder == nil {
		recorder = telemetry.NoOp{}
	}
	return &Worker{gateway: gateway, registry: reg, recorder: recorder, log: log, cfg: cfg, self: self}
}

// Identity builds the conventional worker identity used as locked_by.
func Identity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("host:%s pid:%d", hostname, os.Getpid())
}

// Run executes the steady-state loop until ctx is canceled (spec §4.6).
// It returns nil on a graceful shutdown and a non-nil error only when
// leasing itself fails in a way the caller should treat as fatal.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Str("self", w.self).Strs("queues", w.cfg.Queues).Msg("starting djworker")

	for {
		if ctx.Err() != nil {
			return w.shutdown()
		}

		rec, err := w.leaseOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.shutdown()
			}
			w.log.Error().Err(err).Msg("lease failed")
			_ = w.shutdown()
			return err
		}

		if rec == nil {
			// Nothing was leasable, but QueryRow still opened a transaction
			// to run the attempt: end it now rather than letting it sit
			// idle-in-transaction across every sleep cycle until a job is
			// eventually leased.
			if err := w.gateway.Commit(ctx); err != nil {
				w.log.Error().Err(err).Msg("commit idle lease attempt failed")
				return w.shutdown()
			}
			if w.sleepOrShutdown(ctx) {
				return w.shutdown()
			}
			continue
		}

		if terminated := w.handleJob(ctx, rec); terminated {
			return w.shutdown()
		}
	}
}

func (w *Worker) sleepOrShutdown(ctx context.Context) (terminated bool) {
	timer := time.NewTimer(w.cfg.SleepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) shutdown() error {
	w.recorder.Shutdown()
	if err := w.gateway.Disconnect(); err != nil {
		w.log.Error().Err(err).Msg("disconnect failed")
		return err
	}
	w.log.Info().Msg("djworker stopped")
	return nil
}

// leaseOne issues the lease SQL and constructs the resulting Job Record,
// or returns (nil, nil) when no row is currently leasable.
func (w *Worker) leaseOne(ctx context.Context) (*job.Record, error) {
	now := time.Now().UTC()
	expired := now.Add(-w.cfg.MaxRunTime)

	fields := append([]string{"id", "attempts", "run_at", "queue", "handler"}, w.cfg.ExtraFields...)
	query := fmt.Sprintf(leaseSQLTemplate, strings.Join(fields, ", "))

	row := w.gateway.QueryRow(ctx, query, now, w.self, expired, w.cfg.Queues)

	var (
		id        int64
		attempts  int
		runAt     time.Time
		queue     string
		handlerBlob string
	)
	dest := []any{&id, &attempts, &runAt, &queue, &handlerBlob}

	extraVals := make([]any, len(w.cfg.ExtraFields))
	for i := range extraVals {
		extraVals[i] = new(any)
		dest = append(dest, extraVals[i])
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease row: %w", err)
	}

	extraFieldsMap := extraFieldsToMap(w.cfg.ExtraFields, extraVals)

	parsed, parseErr := handler.Parse(handlerBlob)
	if parseErr != nil {
		// A malformed handler is not fatal at the worker level (spec §7):
		// build an abstract record so the loop settles it as a retry. When
		// the envelope's class name was recognized but its body failed to
		// decode, keep that class name (spec §7 distinguishes "known class,
		// bad attributes" from "unrecognized envelope") instead of
		// collapsing both into the same unnamed-class record.
		className := ""
		if pe, ok := parseErr.(*handler.ParseError); ok {
			className = pe.ClassName
		}
		w.log.Warn().Err(parseErr).Int64("id", id).Str("class", className).Msg("handler parse failed")
		return job.New(w.gateway, id, className, attempts, w.cfg.MaxAttempts, runAt, queue,
			w.cfg.MaxBackoffSeconds, nil, true, extraFieldsMap, nil), nil
	}

	h, err := w.registry.Build(parsed.ClassName, parsed.Attributes)
	if err != nil {
		if errors.Is(err, registry.ErrUnregistered) {
			return job.New(w.gateway, id, parsed.ClassName, attempts, w.cfg.MaxAttempts, runAt, queue,
				w.cfg.MaxBackoffSeconds, nil, true, extraFieldsMap, nil), nil
		}
		// A constructor error is job-level, not fatal to the daemon (spec
		// §7): fall back to an abstract record so the row still gets
		// settled (and retried/backed off) instead of staying locked
		// forever while the whole process dies.
		w.log.Warn().Err(err).Int64("id", id).Str("class", parsed.ClassName).Msg("job constructor failed")
		return job.New(w.gateway, id, parsed.ClassName, attempts, w.cfg.MaxAttempts, runAt, queue,
			w.cfg.MaxBackoffSeconds, parsed.Attributes, true, extraFieldsMap, nil), nil
	}

	return job.New(w.gateway, id, parsed.ClassName, attempts, w.cfg.MaxAttempts, runAt, queue,
		w.cfg.MaxBackoffSeconds, parsed.Attributes, false, extraFieldsMap, h), nil
}

func extraFieldsToMap(names []string, values []any) map[string]any {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]any, len(names))
	for i, name := range names {
		if p, ok := values[i].(*any); ok {
			out[name] = *p
		}
	}
	return out
}

// handleJob runs one leased Job Record to settlement and reports whether
// the loop must now terminate (spec §4.6, §5).
func (w *Worker) handleJob(ctx context.Context, rec *job.Record) (terminated bool) {
	start := time.Now()
	latency := start.Sub(rec.RunAt).Seconds()

	scope := w.recorder.Recorder(rec.JobName())
	defer scope.End()

	scope.Report(map[string]any{
		"job_id":       rec.ID,
		"job_name":     rec.JobName(),
		"job_queue":    rec.Queue,
		"job_latency":  latency,
		"job_attempts": rec.Attempts,
	})
	if rec.ExtraFields != nil {
		scope.Report(rec.ExtraFields)
	}

	runErr := w.execute(ctx, rec)

	terminated = runErr != nil && ctx.Err() != nil
	if terminated {
		name := "terminated"
		if sn, ok := ctx.(signalNamer); ok {
			if n := sn.SignalName(); n != "" {
				name = n
			}
		}
		runErr = errors.New(name)
	}

	var failed bool
	if runErr == nil {
		// success() runs before remove() (spec §4.6 step 4): the hook must
		// still see the row as present.
		if h, ok := rec.Handler.(job.SuccessHook); ok {
			h.Success(ctx)
		}
		if err := rec.Remove(ctx); err != nil {
			w.log.Error().Err(err).Int64("id", rec.ID).Msg("settle success failed")
		}
	} else {
		w.log.Error().Err(runErr).Int64("id", rec.ID).Msg("job failed")
		// SetErrorAndUnlock itself runs the error/failure hooks ahead of the
		// attempts increment and the settlement write (spec §4.4 step order).
		var settleErr error
		failed, settleErr = rec.SetErrorAndUnlock(ctx, time.Now().UTC(), runErr)
		if settleErr != nil {
			w.log.Error().Err(settleErr).Int64("id", rec.ID).Msg("settle failure failed")
		}
		scope.Report(map[string]any{"error": true, "job_failure": failed})
		w.recorder.RecordException(runErr)
	}

	w.log.Info().Int64("id", rec.ID).Dur("duration", time.Since(start)).Msg("job finished")
	return terminated
}

// signalNamer is implemented by the root context built by
// NewTerminationContext; handleJob uses it to surface the signal name as
// the settlement error text (spec §5, §8 scenario 7).
type signalNamer interface {
	SignalName() string
}

// execute runs the before/run/after hook chain under a per-job timeout
// (spec §5). Timeout and root-context termination both surface as an
// error from Run's perspective, but execute's caller distinguishes them
// by re-checking ctx (the un-timed-out parent) after this returns.
func (w *Worker) execute(ctx context.Context, rec *job.Record) error {
	if rec.Abstract {
		return fmt.Errorf("Unsupported Job: %s, please register it before you can handle it", rec.ClassName)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.MaxRunTime)
	defer cancel()

	err := runHooks(jobCtx, rec.Handler)
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("execution expired after %s: %w", w.cfg.MaxRunTime, err)
	}
	return err
}

func runHooks(ctx context.Context, h job.Handler) error {
	if before, ok := h.(job.BeforeHook); ok {
		if err := before.Before(ctx); err != nil {
			return err
		}
	}
	if err := h.Run(ctx); err != nil {
		return err
	}
	if after, ok := h.(job.AfterHook); ok {
		if err := after.After(ctx); err != nil {
			return err
		}
	}
	return nil
}
