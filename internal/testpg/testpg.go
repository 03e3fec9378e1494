// Package testpg provides a shared Postgres testcontainer for the e2e
// suite. It is only imported from files guarded by the "e2e" build tag.
package testpg

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once      sync.Once
	container *postgres.PostgresContainer
	dsn       string
	setupErr  error
)

// SkipEnvVar lets CI opt out of the container-backed suite entirely.
const SkipEnvVar = "DJWORKER_SKIP_POSTGRES_TESTS"

// Available reports whether the e2e suite should run in this environment.
func Available(t *testing.T) bool {
	t.Helper()
	if os.Getenv(SkipEnvVar) != "" {
		return false
	}
	if runtime.GOOS == "darwin" && os.Getenv("CI") != "" {
		// Docker-in-Docker networking under CI's macOS runners is flaky
		// enough that it isn't worth chasing here.
		return false
	}
	return true
}

// DSN starts (once per test binary) a postgres:16-alpine container and
// returns its connection string. No schema is applied here; callers create
// the delayed_jobs table themselves.
func DSN(t *testing.T) string {
	t.Helper()

	once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		c, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("djworker_test"),
			postgres.WithUsername("djworker"),
			postgres.WithPassword("djworker"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
		)
		if err != nil {
			setupErr = fmt.Errorf("start postgres container: %w", err)
			return
		}

		connStr, err := c.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			setupErr = fmt.Errorf("connection string: %w", err)
			return
		}

		container = c
		dsn = connStr
	})

	if setupErr != nil {
		t.Fatalf("testpg: %v", setupErr)
	}
	return dsn
}

// Teardown terminates the shared container. Call it from a TestMain.
func Teardown() {
	if container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = container.Terminate(ctx)
}
