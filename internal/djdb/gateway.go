// Package djdb is the DB Gateway: a typed, minimal wrapper over the SQL
// driver exposing exactly the primitives the worker loop and job settlement
// logic need — parameterized exec/queryRow, an explicit transactional commit
// boundary, and disconnect. Concrete database drivers are treated as an
// external collaborator (spec §1); this package is the only place that knows
// about pgx/database-sql.
package djdb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Row is the minimal result-row contract a caller needs to read back a
// RETURNING clause. *sql.Row satisfies it.
type Row interface {
	Scan(dest ...any) error
}

// Gateway is the DB Gateway contract (spec §4.1): connect, parameterized
// exec/queryRow, an explicit commit boundary, and disconnect.
type Gateway interface {
	// Exec runs a parameterized statement within the gateway's current unit
	// of work. The statement is not durable until Commit is called.
	Exec(ctx context.Context, query string, args ...any) error

	// QueryRow runs a parameterized statement that returns at most one row,
	// within the gateway's current unit of work.
	QueryRow(ctx context.Context, query string, args ...any) Row

	// Commit makes the current unit of work durable. It is a no-op if no
	// statement has been run since the last Commit.
	Commit(ctx context.Context) error

	// Disconnect closes the underlying connection, rolling back any
	// uncommitted work.
	Disconnect() error
}

// errRow is returned by QueryRow when beginning a transaction failed, so
// callers can still treat the result uniformly as "Scan returned an error".
type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

// PostgresGateway implements Gateway over database/sql using the pgx stdlib
// driver. Each Exec/QueryRow call participates in a single open transaction
// that is committed explicitly via Commit, mirroring the producer
// ecosystem's manual-transaction connection model (spec §4.1) while staying
// idiomatic Go via database/sql.
type PostgresGateway struct {
	db *sql.DB
	tx *sql.Tx
}

const pingTimeout = 5 * time.Second

// Connect opens a connection to databaseURL (normalized per NormalizeURL)
// and verifies it with a bounded ping.
func Connect(ctx context.Context, databaseURL string) (*PostgresGateway, error) {
	dsn, err := NormalizeURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresGateway{db: db}, nil
}

func (g *PostgresGateway) ensureTx(ctx context.Context) (*sql.Tx, error) {
	if g.tx != nil {
		return g.tx, nil
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	g.tx = tx
	return tx, nil
}

// Exec implements Gateway.
func (g *PostgresGateway) Exec(ctx context.Context, query string, args ...any) error {
	tx, err := g.ensureTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// QueryRow implements Gateway.
func (g *PostgresGateway) QueryRow(ctx context.Context, query string, args ...any) Row {
	tx, err := g.ensureTx(ctx)
	if err != nil {
		return errRow{err}
	}
	return tx.QueryRowContext(ctx, query, args...)
}

// Commit implements Gateway.
func (g *PostgresGateway) Commit(ctx context.Context) error {
	if g.tx == nil {
		return nil
	}
	tx := g.tx
	g.tx = nil
	return tx.Commit()
}

// Disconnect implements Gateway.
func (g *PostgresGateway) Disconnect() error {
	if g.tx != nil {
		_ = g.tx.Rollback()
		g.tx = nil
	}
	return g.db.Close()
}

// ExecDDL runs a schema statement immediately against the connection,
// outside the lease/settlement transaction Exec/QueryRow/Commit manage:
// schema provisioning (the "djworker migrate" subcommand) has nothing to
// do with a job lease and shouldn't wait on one to commit.
func (g *PostgresGateway) ExecDDL(ctx context.Context, query string) error {
	_, err := g.db.ExecContext(ctx, query)
	return err
}

// NormalizeURL prepares a producer-style database URL for the driver: any
// %40 in the username is decoded to @ (spec §4.1), and sslmode defaults to
// "prefer" when absent (spec §6).
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}

	if u.User != nil {
		name := strings.ReplaceAll(u.User.Username(), "%40", "@")
		if pw, ok := u.User.Password(); ok {
			u.User = url.UserPassword(name, pw)
		} else {
			u.User = url.User(name)
		}
	}

	q := u.Query()
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "prefer")
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}
