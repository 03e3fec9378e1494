//go:build e2e

package worker_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rayyansys/djworker/internal/djdb"
	"github.com/rayyansys/djworker/internal/enqueue"
	"github.com/rayyansys/djworker/internal/job"
	"github.com/rayyansys/djworker/internal/registry"
	"github.com/rayyansys/djworker/internal/telemetry"
	"github.com/rayyansys/djworker/internal/testpg"
	"github.com/rayyansys/djworker/internal/worker"
	"github.com/rayyansys/djworker/migrations"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testpg.Teardown()
	os.Exit(code)
}

// migrate applies the same embedded schema "djworker migrate" uses in
// production, so the e2e suite exercises the real provisioning path
// instead of a parallel copy of the DDL.
func migrate(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(migrations.DelayedJobsSchema)
	require.NoError(t, err)
}

// doneHandler is a registered job that records it ran and succeeds.
type doneHandler struct{ done chan<- struct{} }

func (h *doneHandler) Run(ctx context.Context) error {
	h.done <- struct{}{}
	return nil
}

func TestWorker_LeasesRunsAndRemoves(t *testing.T) {
	if !testpg.Available(t) {
		t.Skip("postgres testcontainer unavailable")
	}
	dsn := testpg.DSN(t)
	migrate(t, dsn)

	ctx := context.Background()
	gw, err := djdb.Connect(ctx, dsn)
	require.NoError(t, err)
	defer gw.Disconnect()

	e := enqueue.New(gw)
	require.NoError(t, e.Enqueue(ctx, "ExampleJob", map[string]any{"id": 1}, enqueue.Options{UseInstanceForm: true}))

	done := make(chan struct{}, 1)
	reg := registry.New()
	reg.Register("ExampleJob", func(attrs map[string]any) (job.Handler, error) {
		return &doneHandler{done: done}, nil
	})

	runnerGw, err := djdb.Connect(ctx, dsn)
	require.NoError(t, err)
	defer runnerGw.Disconnect()

	w := worker.New(runnerGw, reg, telemetry.NoOp{}, zerolog.Nop(), worker.Config{
		Queues:      []string{"default"},
		SleepDelay:  50 * time.Millisecond,
		MaxAttempts: 3,
		MaxRunTime:  5 * time.Second,
	}, "host:e2e pid:1")

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-done
		cancel()
	}()

	_ = w.Run(runCtx)

	countGw, err := djdb.Connect(ctx, dsn)
	require.NoError(t, err)
	defer countGw.Disconnect()

	var remaining int
	row := countGw.QueryRow(ctx, "SELECT count(*) FROM delayed_jobs")
	require.NoError(t, row.Scan(&remaining))
	require.Equal(t, 0, remaining)
}

func TestWorker_ConcurrentWorkersDoNotDoubleLease(t *testing.T) {
	if !testpg.Available(t) {
		t.Skip("postgres testcontainer unavailable")
	}
	dsn := testpg.DSN(t)
	migrate(t, dsn)

	ctx := context.Background()
	enqueueGw, err := djdb.Connect(ctx, dsn)
	require.NoError(t, err)
	defer enqueueGw.Disconnect()

	e := enqueue.New(enqueueGw)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Enqueue(ctx, "SlowJob", map[string]any{"n": i}, enqueue.Options{UseInstanceForm: true}))
	}

	var runCount int
	runs := make(chan struct{}, 10)
	reg := registry.New()
	reg.Register("SlowJob", func(attrs map[string]any) (job.Handler, error) {
		return &countingHandler{runs: runs}, nil
	})

	newRunner := func() *worker.Worker {
		gw, err := djdb.Connect(ctx, dsn)
		require.NoError(t, err)
		return worker.New(gw, reg, telemetry.NoOp{}, zerolog.Nop(), worker.Config{
			Queues:      []string{"default"},
			SleepDelay:  20 * time.Millisecond,
			MaxAttempts: 3,
			MaxRunTime:  5 * time.Second,
		}, "host:e2e pid:1")
	}

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	w1 := newRunner()
	w2 := newRunner()
	go w1.Run(runCtx)
	go w2.Run(runCtx)

	timeout := time.After(3 * time.Second)
	for runCount < 5 {
		select {
		case <-runs:
			runCount++
		case <-timeout:
			t.Fatalf("only observed %d runs before timeout", runCount)
		}
	}
	require.Equal(t, 5, runCount)

	// Each job succeeds and is deleted, so a sixth run would mean some row
	// was leased by both workers.
	select {
	case <-runs:
		t.Fatalf("a job ran more than once across the two workers")
	case <-time.After(200 * time.Millisecond):
	}
}

type countingHandler struct{ runs chan<- struct{} }

func (h *countingHandler) Run(ctx context.Context) error {
	h.runs <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	return nil
}
