// Package job implements the Job Record: the in-memory representation of a
// leased row, its extension hooks, and its settlement operations
// (spec §4.4). A Record is created by the worker loop at lease time and
// destroyed after settlement; it is touched only by the goroutine holding
// the lease.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/rayyansys/djworker/internal/djdb"
)

// Handler is the capability interface a registered job implementation must
// satisfy. Run carries the domain work; everything else is an optional
// lifecycle hook with a safe no-op default, checked via interface
// assertion rather than embedding so implementers opt in only to the hooks
// they need (spec §9 "hook polymorphism").
type Handler interface {
	Run(ctx context.Context) error
}

// BeforeHook runs immediately before Run.
type BeforeHook interface {
	Before(ctx context.Context) error
}

// AfterHook runs immediately after a successful Run.
type AfterHook interface {
	After(ctx context.Context) error
}

// SuccessHook runs after After, once the job is known to have succeeded.
type SuccessHook interface {
	Success(ctx context.Context)
}

// ErrorHook runs whenever Run (or Before/After) returned an error, before
// settlement is written.
type ErrorHook interface {
	OnError(ctx context.Context, cause error)
}

// FailureHook runs only when the error is permanent (attempts exhausted).
type FailureHook interface {
	Failure(ctx context.Context, cause error)
}

// Record is the in-memory representation of one leased delayed_jobs row.
type Record struct {
	ID                int64
	ClassName         string
	Attempts          int
	MaxAttempts       int
	RunAt             time.Time
	Queue             string
	MaxBackoffSeconds int
	Attributes        map[string]any
	Abstract          bool
	ExtraFields       map[string]any

	// Handler is nil when Abstract is true: the handler blob did not parse,
	// no constructor is registered for ClassName, or the constructor
	// failed, so there is nothing to invoke.
	Handler Handler

	gateway djdb.Gateway
}

// New constructs a Record bound to gateway for settlement writes.
func New(gateway djdb.Gateway, id int64, className string, attempts, maxAttempts int,
	runAt time.Time, queue string, maxBackoffSeconds int, attributes map[string]any,
	abstract bool, extraFields map[string]any, handler Handler) *Record {
	if maxBackoffSeconds > 0 && maxBackoffSeconds < 5 {
		maxBackoffSeconds = 5
	}
	return &Record{
		ID:                id,
		ClassName:         className,
		Attempts:          attempts,
		MaxAttempts:       maxAttempts,
		RunAt:             runAt,
		Queue:             queue,
		MaxBackoffSeconds: maxBackoffSeconds,
		Attributes:        attributes,
		Abstract:          abstract,
		ExtraFields:       extraFields,
		Handler:           handler,
		gateway:           gateway,
	}
}

// JobName is the telemetry scope name for this record (spec §4.5).
func (r *Record) JobName() string {
	return fmt.Sprintf("%s#run", r.ClassName)
}

// Backoff computes the exponential backoff delay for the given attempt
// count: (attempts^4)+5 seconds, clamped to maxBackoffSeconds when set
// (spec §4.4, normative). maxBackoffSeconds of 0 means unbounded.
func Backoff(attempts, maxBackoffSeconds int) time.Duration {
	delta := attempts*attempts*attempts*attempts + 5
	if maxBackoffSeconds > 0 {
		ceiling := maxBackoffSeconds
		if ceiling < 5 {
			ceiling = 5
		}
		if delta > ceiling {
			delta = ceiling
		}
	}
	return time.Duration(delta) * time.Second
}

// SetErrorAndUnlock is the failure settlement (spec §4.4). Its step order
// mirrors the source exactly: the error hook runs first, before Attempts is
// even incremented; only then is the retry-vs-permanent-failure decision
// made, the failure hook fired (if permanent), and finally the settlement
// columns (locked_at, locked_by, attempts, last_error, plus failed_at on a
// permanent failure or run_at on a retry) written in one parameterized
// UPDATE and committed. It returns true when
// the job is now permanently failed.
func (r *Record) SetErrorAndUnlock(ctx context.Context, now time.Time, cause error) (bool, error) {
	if h, ok := r.Handler.(ErrorHook); ok {
		h.OnError(ctx, cause)
	}

	r.Attempts++
	errorText := cause.Error()

	setters := "locked_at = $1, locked_by = $2, attempts = $3, last_error = $4"
	args := []any{nil, nil, r.Attempts, errorText}

	failed := r.Attempts >= r.MaxAttempts
	if failed {
		setters += ", failed_at = $5"
		args = append(args, now)
		if h, ok := r.Handler.(FailureHook); ok {
			h.Failure(ctx, cause)
		}
	} else {
		setters += ", run_at = $5"
		args = append(args, now.Add(Backoff(r.Attempts, r.MaxBackoffSeconds)))
	}
	args = append(args, r.ID)

	query := fmt.Sprintf("UPDATE delayed_jobs SET %s WHERE id = $%d", setters, len(args))
	if err := r.gateway.Exec(ctx, query, args...); err != nil {
		return false, fmt.Errorf("settle failure for job %d: %w", r.ID, err)
	}
	if err := r.gateway.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit failure settlement for job %d: %w", r.ID, err)
	}
	return failed, nil
}

// Remove is the success settlement (spec §4.4): delete the row and commit.
func (r *Record) Remove(ctx context.Context) error {
	if err := r.gateway.Exec(ctx, "DELETE FROM delayed_jobs WHERE id = $1", r.ID); err != nil {
		return fmt.Errorf("remove job %d: %w", r.ID, err)
	}
	if err := r.gateway.Commit(ctx); err != nil {
		return fmt.Errorf("commit removal of job %d: %w", r.ID, err)
	}
	return nil
}
